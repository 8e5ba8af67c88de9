// Package flywheel is a small REST client for the parts of the Flywheel
// platform API the gear touches: resolving the destination container,
// walking the project/subject/session/acquisition hierarchy, downloading
// input files and uploading analysis outputs.
package flywheel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Container types returned by the API.
const (
	TypeProject     = "project"
	TypeSubject     = "subject"
	TypeSession     = "session"
	TypeAcquisition = "acquisition"
	TypeAnalysis    = "analysis"
)

// Client talks to a Flywheel site.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewClient builds a client for the site at baseURL (e.g.
// https://site.flywheel.io) using API-key auth.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// Container is the generic container envelope: every level of the
// hierarchy shares these fields.
type Container struct {
	ID      string `json:"_id"`
	Type    string `json:"container_type"`
	Label   string `json:"label"`
	Parents struct {
		Project string `json:"project"`
		Subject string `json:"subject"`
		Session string `json:"session"`
	} `json:"parents"`
	Parent struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"parent"`
}

// File is a file entry on an acquisition.
type File struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

func (c *Client) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "scitran-user "+c.APIKey)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("request %s returned %s: %s", req.URL.Path, resp.Status, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", req.URL.Path, err)
	}
	return nil
}

// GetAnalysis fetches an analysis container (the gear destination).
func (c *Client) GetAnalysis(id string) (*Container, error) {
	var out Container
	if err := c.get("/api/analyses/"+id, &out); err != nil {
		return nil, err
	}
	out.Type = TypeAnalysis
	return &out, nil
}

// GetContainer fetches any container by id. The API resolves the type.
func (c *Client) GetContainer(id string) (*Container, error) {
	var out Container
	if err := c.get("/api/containers/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subjects lists the subjects of a project.
func (c *Client) Subjects(projectID string) ([]Container, error) {
	var out []Container
	if err := c.get("/api/projects/"+projectID+"/subjects", &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Type = TypeSubject
	}
	return out, nil
}

// Sessions lists the sessions of a subject.
func (c *Client) Sessions(subjectID string) ([]Container, error) {
	var out []Container
	if err := c.get("/api/subjects/"+subjectID+"/sessions", &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Type = TypeSession
	}
	return out, nil
}

// Acquisitions lists the acquisitions of a session.
func (c *Client) Acquisitions(sessionID string) ([]Container, error) {
	var out []Container
	if err := c.get("/api/sessions/"+sessionID+"/acquisitions", &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Type = TypeAcquisition
	}
	return out, nil
}

// Files lists the files attached to an acquisition.
func (c *Client) Files(acquisitionID string) ([]File, error) {
	var out struct {
		Files []File `json:"files"`
	}
	if err := c.get("/api/acquisitions/"+acquisitionID, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// DownloadFile streams one acquisition file to destPath.
func (c *Client) DownloadFile(acquisitionID, name, destPath string) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+"/api/acquisitions/"+acquisitionID+"/files/"+name, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "scitran-user "+c.APIKey)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("download of %s failed: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download of %s returned %s", name, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", destPath, err)
	}
	return nil
}

// UploadOutput attaches a local file to an analysis.
func (c *Client) UploadOutput(analysisID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open output %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/api/analyses/"+analysisID+"/files", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, nil)
}

// CreateAnalysis creates an analysis on a session and returns its id.
func (c *Client) CreateAnalysis(sessionID, label string) (string, error) {
	var out struct {
		ID string `json:"_id"`
	}
	body := map[string]string{"label": label}
	if err := c.post("/api/sessions/"+sessionID+"/analyses", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpdateAnalysisInfo merges key/value metadata into an analysis.
func (c *Client) UpdateAnalysisInfo(analysisID string, info map[string]interface{}) error {
	return c.post("/api/analyses/"+analysisID+"/info", map[string]interface{}{"set": info}, nil)
}
