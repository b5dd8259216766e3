package broker

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"github.com/polarsar/demprep/geo"
	"github.com/polarsar/demprep/version"
)

// SceneRequest is the body of a queue message asking for the DEM of a scene.
type SceneRequest struct {
	SceneID string `json:"scene_id"`
	// Footprint is a GeoJSON polygon, feature or feature collection.
	Footprint json.RawMessage `json:"footprint"`
	ScenePath string          `json:"scene_path,omitempty"`
	OrbitPath string          `json:"orbit_path,omitempty"`
	Force     bool            `json:"force,omitempty"`
}

const requestSchema = `{
  "type": "object",
  "required": ["scene_id", "footprint"],
  "properties": {
    "scene_id": {"type": "string", "minLength": 1},
    "footprint": {"type": "object"},
    "scene_path": {"type": "string"},
    "orbit_path": {"type": "string"},
    "force": {"type": "boolean"}
  }
}`

var requestSchemaLoader = gojsonschema.NewStringLoader(requestSchema)

// ValidationError lists the schema issues found in a request.
type ValidationError struct {
	Issues []string
}

func (err ValidationError) Error() string {
	return "request validation issues: " + strings.Join(err.Issues, "; ")
}

// ParseRequest validates and decodes a queue message body, footprint
// included.
func ParseRequest(body []byte) (*SceneRequest, error) {
	result, err := gojsonschema.Validate(requestSchemaLoader, gojsonschema.NewStringLoader(string(body)))
	if err != nil {
		return nil, errors.Wrap(err, "request is not valid JSON")
	}
	if !result.Valid() {
		verr := ValidationError{}
		for _, issue := range result.Errors() {
			verr.Issues = append(verr.Issues, issue.String())
		}
		return nil, verr
	}
	req := &SceneRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		return nil, errors.Wrap(err, "decoding request")
	}
	if err := geo.ValidateFootprint(req.Footprint); err != nil {
		return nil, errors.Wrap(err, "footprint")
	}
	return req, nil
}

// EventType tells consumers what an Event reports.
type EventType string

const (
	EventDEMReady       EventType = "dem_ready"
	EventDEMFailed      EventType = "dem_failed"
	EventRequestInvalid EventType = "request_invalid"
)

// Event is published once a request has been handled.
type Event struct {
	ID           string           `json:"id"`
	Type         EventType        `json:"type"`
	Timestamp    time.Time        `json:"timestamp"`
	Generator    string           `json:"generator"`
	SceneID      string           `json:"scene_id,omitempty"`
	RunID        string           `json:"run_id,omitempty"`
	DEMPath      string           `json:"dem_path,omitempty"`
	Bounds       *geo.BoundingBox `json:"bounds,omitempty"`
	MissingTiles []string         `json:"missing_tiles,omitempty"`
	Warnings     []string         `json:"warnings,omitempty"`
	Reused       bool             `json:"reused,omitempty"`
	Error        string           `json:"error,omitempty"`
	// Request carries the original body of rejected requests.
	Request json.RawMessage `json:"request,omitempty"`
}

// NewEvent returns an event with a new ID.
func NewEvent(t EventType) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Generator: version.AppVersion(),
	}
}

// TagError records err in the event.
func (e *Event) TagError(err error) {
	if err != nil {
		e.Error = err.Error()
	}
}
