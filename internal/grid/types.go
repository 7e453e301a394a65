package grid

import (
	"encoding/json"
	"fmt"
)

const (
	APIVersion        = "v4"
	aoiEndpoint       = "/api/" + APIVersion + "/aois"
	exportEndpoint    = "/api/" + APIVersion + "/exports"
	taskEndpoint      = "/api/" + APIVersion + "/tasks"
	uploadEndpoint    = "/api/" + APIVersion + "/upload"
	defaultExportJobs = 4
)

// APIError is an error payload or unexpected status returned by the catalog.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("grid returned %d from %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("grid returned an error from %s: %s", e.Endpoint, e.Message)
}

// Text accepts a JSON string or number. The catalog is not consistent about
// which one it sends for identifiers and percentages.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*t = Text(n.String())
	return nil
}

type Product struct {
	ID int `json:"id"`
}

type AOI struct {
	ID                   int       `json:"id"`
	PK                   int       `json:"pk,omitempty"`
	Name                 string    `json:"name"`
	Notes                string    `json:"notes"`
	User                 string    `json:"user"`
	Area                 *float64  `json:"area"`
	Subscribed           bool      `json:"subscribed"`
	CreatedAt            string    `json:"created_at"`
	Exports              []Export  `json:"exports"`
	RasterIntersects     []Product `json:"raster_intersects"`
	MeshIntersects       []Product `json:"mesh_intersects"`
	PointcloudIntersects []Product `json:"pointcloud_intersects"`
	VectorIntersects     []Product `json:"vector_intersects"`
}

// Key returns the identifier of the AOI under both API generations.
func (a AOI) Key() int {
	if a.ID != 0 {
		return a.ID
	}
	return a.PK
}

type Export struct {
	ID               int             `json:"id"`
	PK               int             `json:"pk,omitempty"`
	Name             string          `json:"name"`
	Datatype         string          `json:"datatype"`
	ExportType       string          `json:"export_type"`
	RawExportFiles   json.RawMessage `json:"exportfiles"`
	Auxfiles         []Auxfile       `json:"auxfiles"`
	Licensefiles     []Auxfile       `json:"licensefiles"`
	Notes            string          `json:"notes"`
	PercentComplete  Text            `json:"percent_complete"`
	StartedAt        string          `json:"started_at"`
	Status           string          `json:"status"`
	TaskID           Text            `json:"task_id"`
	TotalSize        int64           `json:"total_size"`
	URL              string          `json:"url"`
	User             string          `json:"user"`
	ZipURL           string          `json:"zip_url"`
	ExportTotalSize  int64           `json:"export_total_size,omitempty"`
	AuxfileTotalSize int64           `json:"auxfile_total_size,omitempty"`
}

func (e Export) Key() int {
	if e.ID != 0 {
		return e.ID
	}
	return e.PK
}

// ExportFiles decodes the exportfiles field, which the catalog sends as
// false while an export has no files.
func (e Export) ExportFiles() ([]ExportFile, error) {
	if len(e.RawExportFiles) == 0 || e.RawExportFiles[0] != '[' {
		return nil, nil
	}
	var files []ExportFile
	if err := json.Unmarshal(e.RawExportFiles, &files); err != nil {
		return nil, fmt.Errorf("decoding files of export %d: %w", e.Key(), err)
	}
	return files, nil
}

type ExportFile struct {
	ID          int     `json:"id"`
	PK          int     `json:"pk,omitempty"`
	Name        string  `json:"name"`
	Datatype    string  `json:"datatype"`
	Filesize    int64   `json:"filesize"`
	URL         string  `json:"url"`
	StoragePath *string `json:"storage_path"`
	StorageName string  `json:"storage_name"`
	AOICoverage float64 `json:"aoi_coverage"`
	Geom        string  `json:"geom"`
}

func (f ExportFile) Key() int {
	if f.ID != 0 {
		return f.ID
	}
	return f.PK
}

// Auxfile covers auxiliary and license files attached to an export.
type Auxfile struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Datatype    string `json:"datatype"`
	Filesize    int64  `json:"filesize"`
	URL         string `json:"url"`
	StoragePath string `json:"storage_path"`
}

type Task struct {
	Name      string `json:"name"`
	ObjectID  int    `json:"object_id"`
	State     string `json:"state"`
	TaskID    Text   `json:"task_id"`
	TimeStamp string `json:"time_stamp"`
}

type ExportStarted struct {
	ExportID Text `json:"export_id"`
	TaskID   Text `json:"task_id"`
}
