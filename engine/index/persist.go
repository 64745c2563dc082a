package index

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
)

// Persisted bundle layout: a directory holding the vector store, the chunk
// payload table, and the identity descriptor. All three are written together
// into a temp directory and swapped in with a rename, so a load never
// observes a partially written bundle.
const (
	manifestFile = "manifest.json"
	vectorsFile  = "vectors.bin"
	payloadsFile = "payloads.db"

	formatVersion = 1
)

var bucketChunks = []byte("chunks")

type manifest struct {
	Format   int                     `json:"format"`
	Identity domain.EmbedderIdentity `json:"identity"`
	Count    int                     `json:"count"`
	SavedAt  time.Time               `json:"saved_at"`
}

// Save durably persists the index into the directory at path. The swap is
// atomic: either the previous bundle or the new one is visible, never a mix.
// Save serializes with mutating operations.
func (f *Flat) Save(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("index save: clear temp: %w", err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("index save: mkdir: %w", err)
	}

	if err := f.writeVectors(filepath.Join(tmp, vectorsFile)); err != nil {
		return err
	}
	if err := f.writePayloads(filepath.Join(tmp, payloadsFile)); err != nil {
		return err
	}
	m := manifest{Format: formatVersion, Identity: f.identity, Count: len(f.chunks), SavedAt: time.Now().UTC()}
	if err := writeJSON(filepath.Join(tmp, manifestFile), m); err != nil {
		return err
	}

	return swapDir(tmp, path)
}

// Load reads a persisted bundle and validates it against the supplied
// embedder identity. A missing bundle reports fs.ErrNotExist so callers can
// fall back to creating an empty index; anything structurally wrong reports
// ErrCorruptIndex and must not be served.
func Load(path string, identity domain.EmbedderIdentity) (*Flat, error) {
	recoverBundle(path)
	data, err := os.ReadFile(filepath.Join(path, manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("index load %s: %w", path, err)
		}
		return nil, fmt.Errorf("index load %s: manifest: %w: %w", path, domain.ErrCorruptIndex, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("index load %s: manifest: %w: %w", path, domain.ErrCorruptIndex, err)
	}
	if m.Format != formatVersion {
		return nil, fmt.Errorf("index load %s: format %d not supported: %w", path, m.Format, domain.ErrCorruptIndex)
	}
	if !m.Identity.Equal(identity) {
		return nil, fmt.Errorf("index load %s: stored identity %s, supplied %s: %w",
			path, m.Identity, identity, domain.ErrIdentityMismatch)
	}

	f, err := NewFlat(identity)
	if err != nil {
		return nil, err
	}

	if err := f.readVectors(filepath.Join(path, vectorsFile), m.Count); err != nil {
		return nil, err
	}
	if err := f.readPayloads(filepath.Join(path, payloadsFile)); err != nil {
		return nil, err
	}
	if len(f.chunks) != m.Count || len(f.vectors) != m.Count*f.dims {
		return nil, fmt.Errorf("index load %s: %d payloads for %d vectors: %w",
			path, len(f.chunks), len(f.vectors)/f.dims, domain.ErrCorruptIndex)
	}
	return f, nil
}

// recoverBundle restores the stashed previous bundle when a crash between
// Save's two renames left nothing at path.
func recoverBundle(path string) {
	if _, err := os.Stat(filepath.Join(path, manifestFile)); err == nil || !os.IsNotExist(err) {
		return
	}
	old := path + ".old"
	if _, err := os.Stat(filepath.Join(old, manifestFile)); err != nil {
		return
	}
	os.RemoveAll(path)
	os.Rename(old, path)
}

// writeVectors stores the vector matrix: a dims/count header followed by
// row-major little-endian float32 data. Caller holds the lock.
func (f *Flat) writeVectors(path string) error {
	buf := make([]byte, 8+4*len(f.vectors))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.dims))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(f.chunks)))
	for i, v := range f.vectors {
		binary.LittleEndian.PutUint32(buf[8+4*i:], math.Float32bits(v))
	}
	if err := writeFileSync(path, buf); err != nil {
		return fmt.Errorf("index save: vectors: %w", err)
	}
	return nil
}

// writeFileSync writes data and fsyncs it before closing, so a rename that
// follows publishes fully durable content.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir flushes directory metadata so completed renames survive a crash.
func syncDir(path string) {
	d, err := os.Open(path)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

func (f *Flat) readVectors(path string, count int) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("index load: vectors: %w: %w", domain.ErrCorruptIndex, err)
	}
	if len(buf) < 8 {
		return fmt.Errorf("index load: vectors header truncated: %w", domain.ErrCorruptIndex)
	}
	dims := int(binary.LittleEndian.Uint32(buf[0:4]))
	n := int(binary.LittleEndian.Uint32(buf[4:8]))
	if dims != f.dims || n != count || len(buf) != 8+4*dims*n {
		return fmt.Errorf("index load: vectors claim dims=%d count=%d size=%d: %w",
			dims, n, len(buf), domain.ErrCorruptIndex)
	}
	f.vectors = make([]float32, dims*n)
	for i := range f.vectors {
		f.vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[8+4*i:]))
	}
	return nil
}

// writePayloads stores the slot → chunk mapping in a bbolt table, one JSON
// value per slot. Caller holds the lock.
func (f *Flat) writePayloads(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("index save: payloads: %w", err)
	}
	defer db.Close()

	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketChunks)
		if err != nil {
			return err
		}
		for i, c := range f.chunks {
			data, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := b.Put(slotKey(i), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index save: payloads: %w", err)
	}
	return nil
}

func (f *Flat) readPayloads(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("index load: payloads: %w: %w", domain.ErrCorruptIndex, err)
	}
	defer db.Close()

	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		if b == nil {
			return fmt.Errorf("missing chunk bucket")
		}
		// Keys are big-endian slot numbers, so cursor order is slot order.
		return b.ForEach(func(_, v []byte) error {
			var c domain.Chunk
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			f.chunks = append(f.chunks, c)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("index load: payloads: %w: %w", domain.ErrCorruptIndex, err)
	}
	return nil
}

func slotKey(i int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(i))
	return key
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("index save: manifest: %w", err)
	}
	if err := writeFileSync(path, data); err != nil {
		return fmt.Errorf("index save: manifest: %w", err)
	}
	return nil
}

// swapDir replaces dst with src. The previous bundle is stashed at dst+".old"
// until the new one is in place; a crash between the two renames is repaired
// by recoverBundle on the next load.
func swapDir(src, dst string) error {
	syncDir(src)
	old := dst + ".old"
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("index save: clear backup: %w", err)
	}
	if _, err := os.Stat(dst); err == nil {
		if err := os.Rename(dst, old); err != nil {
			return fmt.Errorf("index save: stash previous: %w", err)
		}
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("index save: swap in: %w", err)
	}
	syncDir(filepath.Dir(dst))
	return os.RemoveAll(old)
}
