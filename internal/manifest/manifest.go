// Package manifest models the expected state of a file tree and the per-file
// change detection and replacement used to converge a local tree onto it.
package manifest

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/schaermu/patchkit/internal/digest"
	"github.com/schaermu/patchkit/internal/fetch"
	"github.com/schaermu/patchkit/internal/fsutil"
	"github.com/schaermu/patchkit/internal/hashcache"
)

// Manifest is an ordered list of file entries describing one distributable tree
type Manifest struct {
	// Algorithm is the digest used for every RemoteHash in the manifest
	Algorithm digest.Algorithm
	Entries   []*FileEntry

	// NeedsUpdate is set by a check pass and never serialized
	NeedsUpdate bool

	// Source is where the manifest was loaded from, empty for built manifests
	Source string
}

// Deps are the collaborators a bound entry uses for hashing and downloads
type Deps struct {
	Cache   *hashcache.Cache
	Fetcher fetch.Fetcher
	Logger  *slog.Logger
}

// document is the XML layout. Element names match the manifests produced by
// the original launcher tooling so existing channels keep loading.
type document struct {
	XMLName       xml.Name   `xml:"Manifest"`
	HashAlgorithm string     `xml:"HashAlgorithm,attr,omitempty"`
	Files         []fileNode `xml:"FileList>FileNode"`
}

type fileNode struct {
	RemoteFileName string `xml:"RemoteFileName"`
	RemoteURL      string `xml:"RemoteURL"`
	RemoteSize     int64  `xml:"RemoteSize"`
	RemoteHash     string `xml:"RemoteMD5Hash"`
}

// Load fetches and decodes the manifest at source. Relative RemoteURL values
// are resolved against source.
func Load(ctx context.Context, f fetch.Fetcher, source string) (*Manifest, error) {
	rc, err := f.Fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rc.Close()
	}()

	m, err := Decode(rc, source)
	if err != nil {
		return nil, err
	}

	for _, e := range m.Entries {
		e.RemoteURL = fetch.Resolve(source, e.RemoteURL)
	}

	return m, nil
}

// Decode parses a manifest document and validates its entries
func Decode(r io.Reader, source string) (*Manifest, error) {
	var doc document
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty document")
		}
		return nil, &ParseError{Source: source, Err: err}
	}

	alg, err := digest.Parse(doc.HashAlgorithm)
	if err != nil {
		return nil, &ParseError{Source: source, Err: err}
	}

	m := &Manifest{
		Algorithm: alg,
		Entries:   make([]*FileEntry, 0, len(doc.Files)),
		Source:    source,
	}

	seen := make(map[string]struct{}, len(doc.Files))
	for i, node := range doc.Files {
		name, err := CleanName(node.RemoteFileName)
		if err != nil {
			return nil, &ParseError{Source: source, Err: fmt.Errorf("entry %d: %w", i, err)}
		}
		if _, dup := seen[name]; dup {
			return nil, &ParseError{Source: source, Err: fmt.Errorf("duplicate RemoteFileName %q", name)}
		}
		seen[name] = struct{}{}

		if node.RemoteSize < 0 {
			return nil, &ParseError{Source: source, Err: fmt.Errorf("entry %q: negative RemoteSize %d", name, node.RemoteSize)}
		}
		if strings.TrimSpace(node.RemoteURL) == "" {
			return nil, &ParseError{Source: source, Err: fmt.Errorf("entry %q: missing RemoteURL", name)}
		}
		if strings.TrimSpace(node.RemoteHash) == "" {
			return nil, &ParseError{Source: source, Err: fmt.Errorf("entry %q: missing content hash", name)}
		}

		m.Entries = append(m.Entries, &FileEntry{
			RemoteFileName: name,
			RemoteURL:      strings.TrimSpace(node.RemoteURL),
			RemoteSize:     node.RemoteSize,
			RemoteHash:     strings.ToLower(strings.TrimSpace(node.RemoteHash)),
			algorithm:      alg,
		})
	}

	return m, nil
}

// CleanName normalizes a RemoteFileName to a clean slash-separated relative
// path, rejecting names that would escape the tree root
func CleanName(name string) (string, error) {
	n := strings.ReplaceAll(strings.TrimSpace(name), `\`, "/")
	if n == "" {
		return "", errors.New("empty RemoteFileName")
	}
	if strings.HasPrefix(n, "/") || filepath.VolumeName(n) != "" || (len(n) >= 2 && n[1] == ':') {
		return "", fmt.Errorf("RemoteFileName %q must be relative", name)
	}

	n = path.Clean(n)
	if n == "." || n == ".." || strings.HasPrefix(n, "../") {
		return "", fmt.Errorf("RemoteFileName %q escapes the tree root", name)
	}

	return n, nil
}

// Encode writes the manifest document. NeedsUpdate and local state are not
// part of the document.
func (m *Manifest) Encode(w io.Writer) error {
	doc := document{
		HashAlgorithm: string(m.algorithm()),
		Files:         make([]fileNode, 0, len(m.Entries)),
	}
	for _, e := range m.Entries {
		doc.Files = append(doc.Files, fileNode{
			RemoteFileName: e.RemoteFileName,
			RemoteURL:      e.RemoteURL,
			RemoteSize:     e.RemoteSize,
			RemoteHash:     e.RemoteHash,
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// Save atomically writes the manifest document to path
func (m *Manifest) Save(path string) error {
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	if err := fsutil.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return &IOError{Op: "write manifest", Path: path, Err: err}
	}
	return nil
}

// Bind points every entry at its location under root and attaches deps
func (m *Manifest) Bind(root string, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	for _, e := range m.Entries {
		e.LocalFilePath = filepath.Join(root, filepath.FromSlash(e.RemoteFileName))
		e.algorithm = m.algorithm()
		e.deps = deps
	}
}

// Entry returns the entry with the given RemoteFileName, or nil
func (m *Manifest) Entry(name string) *FileEntry {
	for _, e := range m.Entries {
		if e.RemoteFileName == name {
			return e
		}
	}
	return nil
}

func (m *Manifest) algorithm() digest.Algorithm {
	if m.Algorithm == "" {
		return digest.Default
	}
	return m.Algorithm
}

// BuildFromDirectory scans root and records the current content of every
// regular file as the remote truth. Each RemoteURL is seeded with
// distributionURL and finalized when the entry is staged.
func BuildFromDirectory(root, distributionURL string, alg digest.Algorithm) (*Manifest, error) {
	if alg == "" {
		alg = digest.Default
	}

	m := &Manifest{Algorithm: alg}
	seen := make(map[string]struct{})

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate file name %q", name)
		}
		seen[name] = struct{}{}

		info, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := alg.File(p)
		if err != nil {
			return err
		}

		m.Entries = append(m.Entries, &FileEntry{
			RemoteFileName: name,
			RemoteURL:      distributionURL,
			RemoteSize:     info.Size(),
			RemoteHash:     sum,
			LocalFilePath:  p,
			algorithm:      alg,
		})
		return nil
	})
	if err != nil {
		return nil, &IOError{Op: "scan", Path: root, Err: err}
	}

	return m, nil
}
