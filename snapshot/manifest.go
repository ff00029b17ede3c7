// Copyright 2017 Pilosa Corp.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pkg/errors"
)

// ManifestFile is the name of the manifest in every version directory.
const ManifestFile = "manifest.json"

// Kind distinguishes class snapshots from aggregation tables.
type Kind string

const (
	KindSnapshot  Kind = "snapshot"
	KindAggregate Kind = "aggregate"
)

// SourceStamp identifies the snapshot an aggregation table was built from.
type SourceStamp struct {
	Class    pubsafe.Class `json:"class"`
	Version  string        `json:"version"`
	Checksum string        `json:"checksum"`
}

// Manifest describes one immutable data file.
type Manifest struct {
	SchemaVersion int                    `json:"schema_version"`
	Kind          Kind                   `json:"kind"`
	Name          string                 `json:"name"`
	Class         pubsafe.Class          `json:"class"`
	Version       string                 `json:"version"`
	CreatedAt     time.Time              `json:"created_at"`
	Rows          int64                  `json:"rows"`
	Checksum      string                 `json:"checksum"`
	Columns       []string               `json:"columns"`
	Fields        []pubsafe.Field        `json:"fields"`
	Presence      pubsafe.SourcePresence `json:"presence,omitempty"`
	Source        *SourceStamp           `json:"source,omitempty"`

	dir    string
	layout *Layout
}

// Dir returns the directory holding the manifest and its data file. It is
// only set on manifests returned by a Store or a Stage.
func (m *Manifest) Dir() string { return m.dir }

// DataPath returns the path of the data file.
func (m *Manifest) DataPath() string { return filepath.Join(m.dir, DataFile) }

// Layout returns the column layout of the data file.
func (m *Manifest) Layout() *Layout {
	if m.layout == nil {
		s := pubsafe.NewSchema(m.Class, m.Fields)
		s.Version = m.SchemaVersion
		m.layout = NewLayout(s, m.Kind == KindSnapshot)
	}
	return m.layout
}

// Schema returns the schema of the data file.
func (m *Manifest) Schema() *pubsafe.Schema { return m.Layout().Schema }

// Sources returns the ids of the sources which contributed to a snapshot.
func (m *Manifest) Sources() []string {
	return sortedKeys(m.Presence)
}

// ClassSchema returns the field list of a snapshot with its presence flags.
func (m *Manifest) ClassSchema() pubsafe.ClassSchema {
	cs := pubsafe.ClassSchema{
		Class:   m.Class,
		Version: m.SchemaVersion,
		Sources: m.Sources(),
		Fields:  make([]pubsafe.FieldInfo, len(m.Fields)),
	}
	for i, f := range m.Fields {
		present := make(map[string]bool, len(m.Presence))
		for src, p := range m.Presence {
			present[src] = p[f.Name]
		}
		cs.Fields[i] = pubsafe.FieldInfo{Field: f, Present: present}
	}
	return cs
}

func (m *Manifest) write() error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling manifest")
	}
	return writeFileAtomic(filepath.Join(m.dir, ManifestFile), data)
}

// ReadManifest reads the manifest in dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, errors.Wrap(err, "reading manifest")
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrapf(err, "decoding manifest in %s", dir)
	}
	m.dir = dir
	return m, nil
}

// Entry is one published data file.
type Entry struct {
	Version  string `json:"version"`
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
	Rows     int64  `json:"rows"`
}

// Published is the content of published.json: the set of snapshots and
// aggregation tables queries are served from.
type Published struct {
	Version     string                   `json:"version"`
	PublishedAt time.Time                `json:"published_at"`
	Snapshots   map[pubsafe.Class]*Entry `json:"snapshots"`
	Aggregates  map[string]*Entry        `json:"aggregates"`
}

// Fresh reports whether agg was built from the snapshot of its class that is
// currently published.
func (p *Published) Fresh(agg *Manifest) bool {
	if agg.Source == nil {
		return false
	}
	e, ok := p.Snapshots[agg.Source.Class]
	return ok && e.Version == agg.Source.Version && e.Checksum == agg.Source.Checksum
}

func entryOf(root string, m *Manifest) (*Entry, error) {
	rel, err := filepath.Rel(root, m.dir)
	if err != nil {
		return nil, errors.Wrap(err, "relativizing path")
	}
	return &Entry{Version: m.Version, Path: filepath.ToSlash(rel), Checksum: m.Checksum, Rows: m.Rows}, nil
}

// writeFileAtomic replaces path with data by writing a temp file in the same
// directory and renaming it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "syncing temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "renaming temp file")
}
