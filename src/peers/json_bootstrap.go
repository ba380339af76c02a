package peers

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

const jsonBootstrapPath = "bootstrap.json"

// JSONBootstrap provides persistence of bootstrap contacts on disk in the
// form of a JSON file.
type JSONBootstrap struct {
	l    sync.Mutex
	path string
}

// NewJSONBootstrap creates a new JSONBootstrap with reference to a base
// directory where the JSON file resides.
func NewJSONBootstrap(base string) *JSONBootstrap {
	return &JSONBootstrap{
		path: filepath.Join(base, jsonBootstrapPath),
	}
}

// Contacts parses the underlying JSON file and returns the corresponding
// contacts. A missing file is not an error; it simply means there is nothing
// to bootstrap from.
func (j *JSONBootstrap) Contacts() ([]Contact, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	if len(buf) == 0 {
		return nil, nil
	}

	var contacts []Contact
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&contacts); err != nil {
		return nil, err
	}

	return contacts, nil
}

// Write persists contacts to the JSON file.
func (j *JSONBootstrap) Write(contacts []Contact) error {
	j.l.Lock()
	defer j.l.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "\t")
	if err := enc.Encode(contacts); err != nil {
		return err
	}

	return os.WriteFile(j.path, buf.Bytes(), 0644)
}
