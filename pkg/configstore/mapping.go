package configstore

import "fmt"

// MappingPoint is one pixel's placement within a slave's 2-D layout.
type MappingPoint struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	PxldID int `json:"pxld_id"`
	McuID  int `json:"mcu_id"`
}

// Mapping is a per-slave pixel-layout document.
type Mapping struct {
	Version int            `json:"version"`
	SlaveID int            `json:"slave_id"`
	W       int            `json:"w"`
	H       int            `json:"h"`
	OX      int            `json:"ox"`
	OY      int            `json:"oy"`
	Map     []MappingPoint `json:"map"`
}

const mappingSchemaVersion = 2

// mappingFilename is the conventional per-slave document name.
func mappingFilename(slaveID int) string {
	return fmt.Sprintf("mapping_slave_%d.json", slaveID)
}

// DefaultMapping builds the row-major default layout for a slave
// carrying pixelCount pixels: width is clamped to [1, 20] and height is
// however many rows that width needs to hold every pixel.
func DefaultMapping(slaveID, pixelCount int) Mapping {
	width := pixelCount
	if width > 20 {
		width = 20
	}
	if width < 1 {
		width = 1
	}
	height := (pixelCount + width - 1) / width
	if height < 1 {
		height = 1
	}

	points := make([]MappingPoint, 0, pixelCount)
	for i := 0; i < pixelCount; i++ {
		points = append(points, MappingPoint{
			X:      i % width,
			Y:      i / width,
			PxldID: i,
			McuID:  i,
		})
	}

	return Mapping{
		Version: mappingSchemaVersion,
		SlaveID: slaveID,
		W:       width,
		H:       height,
		OX:      0,
		OY:      0,
		Map:     points,
	}
}

// LoadMapping loads the mapping document for slaveID, creating and
// persisting the row-major default (sized from pixelCount) if absent.
func (s *Store) LoadMapping(slaveID, pixelCount int) (Mapping, error) {
	name := mappingFilename(slaveID)
	if !s.Exists(name) {
		m := DefaultMapping(slaveID, pixelCount)
		if err := s.SaveJSON(name, m); err != nil {
			return Mapping{}, err
		}
		return m, nil
	}

	var m Mapping
	def := DefaultMapping(slaveID, pixelCount)
	if err := s.LoadJSON(name, &m, def); err != nil {
		return Mapping{}, err
	}
	return m, nil
}

// SaveMapping atomically persists a mapping document.
func (s *Store) SaveMapping(m Mapping) error {
	return s.SaveJSON(mappingFilename(m.SlaveID), m)
}
