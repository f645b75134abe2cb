package admin

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Chat room types understood by the client.
const (
	RoomTypeDefault = "default"
	RoomTypeForum   = "forum"
)

// yamlRoomsFile is the top-level YAML structure for MUC room files.
type yamlRoomsFile struct {
	Rooms []MucRoom `yaml:"rooms"`
}

// LoadMucRoomsFromFile reads the extra chat rooms offered to every member.
//
// Precondition: path must point to a YAML file with a top-level rooms list.
// Postcondition: Returns the validated rooms or a non-nil error.
func LoadMucRoomsFromFile(path string) ([]MucRoom, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading muc rooms file %s: %w", path, err)
	}
	return LoadMucRoomsFromBytes(data)
}

// LoadMucRoomsFromBytes parses chat rooms from YAML bytes. A room without a
// type is a default room.
func LoadMucRoomsFromBytes(data []byte) ([]MucRoom, error) {
	var file yamlRoomsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing muc rooms YAML: %w", err)
	}
	seen := make(map[string]bool, len(file.Rooms))
	for i := range file.Rooms {
		r := &file.Rooms[i]
		if r.Name == "" {
			return nil, fmt.Errorf("muc room %d: name must not be empty", i)
		}
		if r.URL == "" {
			return nil, fmt.Errorf("muc room %q: url must not be empty", r.Name)
		}
		if seen[r.URL] {
			return nil, fmt.Errorf("muc room %q: duplicate url %q", r.Name, r.URL)
		}
		seen[r.URL] = true
		if r.Type == "" {
			r.Type = RoomTypeDefault
		}
	}
	return file.Rooms, nil
}
