package channel

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/sjson"
)

// ErrSettingsNotFound is returned by Store.Read when the document does not exist yet.
var ErrSettingsNotFound = errors.New("settings file not found")

// ErrMalformedSettings wraps parse failures of the settings document.
var ErrMalformedSettings = errors.New("malformed settings file")

// Keys of the document owned by this package. Everything else is preserved on write.
var ownedKeys = []string{"providers", "activeProviderId", "upstreamProxy"}

// Document is one read of the settings file.
type Document struct {
	Settings Settings
	// Hash is the hex sha256 of the raw bytes, used to skip unchanged re-reads.
	Hash string
}

// Store reads and writes the shared settings document. It is safe to use from
// several processes: writes go through a temp file and rename, and the
// unowned keys of the current document are carried over on every write.
type Store struct {
	path string
}

// NewStore creates a store for the document at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Read loads and decodes the document. Comments and trailing commas are tolerated.
func (s *Store) Read() (Document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Document{}, ErrSettingsNotFound
		}
		return Document{}, fmt.Errorf("read settings: %w", err)
	}
	return Decode(raw)
}

// Hash returns the content hash of the file without decoding it.
func (s *Store) Hash() (string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrSettingsNotFound
		}
		return "", err
	}
	return HashBytes(raw), nil
}

// Decode parses raw settings bytes.
func Decode(raw []byte) (Document, error) {
	doc := Document{Hash: HashBytes(raw)}
	if len(bytes.TrimSpace(raw)) == 0 {
		return doc, nil
	}
	clean := jsonc.ToJSON(raw)
	if !gjson.ValidBytes(clean) {
		return doc, ErrMalformedSettings
	}
	if err := json.Unmarshal(clean, &doc.Settings); err != nil {
		return doc, fmt.Errorf("%w: %v", ErrMalformedSettings, err)
	}
	return doc, nil
}

// HashBytes returns the hex sha256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Write persists settings, keeping every top-level key it does not own, and
// returns the hash of the bytes written.
func (s *Store) Write(settings Settings) (string, error) {
	base := []byte("{}")
	if raw, err := os.ReadFile(s.path); err == nil && len(bytes.TrimSpace(raw)) > 0 {
		if clean := jsonc.ToJSON(raw); gjson.ValidBytes(clean) && gjson.ParseBytes(clean).IsObject() {
			base = clean
		}
	}

	out, err := patchOwnedKeys(base, settings)
	if err != nil {
		return "", err
	}

	var pretty bytes.Buffer
	if err = json.Indent(&pretty, out, "", "  "); err != nil {
		return "", fmt.Errorf("format settings: %w", err)
	}
	pretty.WriteByte('\n')
	data := pretty.Bytes()

	if err = writeFileAtomic(s.path, data); err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// Update reads the current document, applies fn and writes the result back
// unless fn reports no change. It is the path used by processes that do not
// hold a Registry.
func (s *Store) Update(fn func(*Settings) (bool, error)) (Document, error) {
	doc, err := s.Read()
	if err != nil && !errors.Is(err, ErrSettingsNotFound) {
		return doc, err
	}
	changed, err := fn(&doc.Settings)
	if err != nil || !changed {
		return doc, err
	}
	doc.Settings.normalize()
	hash, err := s.Write(doc.Settings)
	if err != nil {
		return doc, err
	}
	doc.Hash = hash
	return doc, nil
}

func patchOwnedKeys(base []byte, settings Settings) ([]byte, error) {
	if settings.Providers == nil {
		settings.Providers = []Provider{}
	}
	values := map[string]any{
		"providers":     settings.Providers,
		"upstreamProxy": settings.UpstreamProxy,
	}
	out := base
	var err error
	for _, key := range ownedKeys {
		if key == "activeProviderId" {
			if settings.ActiveProviderID == "" {
				out, err = sjson.DeleteBytes(out, key)
			} else {
				out, err = sjson.SetBytes(out, key, settings.ActiveProviderID)
			}
		} else {
			var raw []byte
			raw, err = json.Marshal(values[key])
			if err == nil {
				out, err = sjson.SetRawBytes(out, key, raw)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("patch settings key %s: %w", key, err)
		}
	}
	return out, nil
}

// writeFileAtomic replaces path with data. Each call writes its own temp
// file so concurrent writers in other processes never share one.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync settings: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close settings: %w", err)
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod settings: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
