package flywheel

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/khula-data/gambas/internal/bids"
	"github.com/khula-data/gambas/internal/monitoring"
	"github.com/khula-data/gambas/internal/security"
)

// downloadWorkers bounds parallel file downloads within a session.
const downloadWorkers = 4

// SessionRef records where a downloaded session landed and which platform
// container it came from.
type SessionRef struct {
	Folder string
	ID     string
}

// Dataset maps sanitised subject label -> session label -> session ref.
type Dataset map[string]map[string]SessionRef

// DownloadContainer pulls the input scans for the destination container
// into sourceDir. The container may be a project, a subject or a single
// session; the result always has the same sub/ses shape.
func (c *Client) DownloadContainer(container *Container, sourceDir string) (Dataset, error) {
	switch container.Type {
	case TypeProject:
		return c.downloadProject(container, sourceDir)

	case TypeSubject:
		proj, err := c.GetContainer(container.Parents.Project)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve project of subject %s: %w", container.ID, err)
		}
		dir := filepath.Join(sourceDir, bids.ProjectLabel(proj.Label))
		subLabel, sessions, err := c.downloadSubject(container, dir)
		if err != nil {
			return nil, err
		}
		return Dataset{subLabel: sessions}, nil

	case TypeSession:
		proj, err := c.GetContainer(container.Parents.Project)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve project of session %s: %w", container.ID, err)
		}
		subj, err := c.GetContainer(container.Parents.Subject)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve subject of session %s: %w", container.ID, err)
		}
		subLabel := bids.SubjectLabel(subj.Label)
		dir := filepath.Join(sourceDir, bids.ProjectLabel(proj.Label), subLabel)
		sesLabel, sesDir, err := c.downloadSession(container, dir)
		if err != nil {
			return nil, err
		}
		return Dataset{subLabel: {sesLabel: SessionRef{Folder: sesDir, ID: container.ID}}}, nil

	default:
		return nil, fmt.Errorf("flywheel: cannot download container type %q", container.Type)
	}
}

func (c *Client) downloadProject(project *Container, sourceDir string) (Dataset, error) {
	monitoring.Logf("downloading project %s", project.Label)
	dir := filepath.Join(sourceDir, bids.ProjectLabel(project.Label))

	subjects, err := c.Subjects(project.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects of %s: %w", project.Label, err)
	}

	out := Dataset{}
	for i := range subjects {
		subLabel, sessions, err := c.downloadSubject(&subjects[i], dir)
		if err != nil {
			return nil, err
		}
		out[subLabel] = sessions
	}
	return out, nil
}

func (c *Client) downloadSubject(subject *Container, projDir string) (string, map[string]SessionRef, error) {
	subLabel := bids.SubjectLabel(subject.Label)
	monitoring.Logf("downloading subject %s", subject.Label)
	subDir := filepath.Join(projDir, subLabel)

	sessions, err := c.Sessions(subject.ID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to list sessions of %s: %w", subject.Label, err)
	}

	out := map[string]SessionRef{}
	seen := map[string]bool{}
	for i := range sessions {
		// Dedup before downloading so repeat sessions land in separate
		// folders.
		label := bids.DedupSessionLabel(bids.SessionLabel(sessions[i].Label), seen)
		seen[label] = true
		dir := filepath.Join(subDir, label)
		if err := c.downloadSessionInto(&sessions[i], dir); err != nil {
			return "", nil, err
		}
		out[label] = SessionRef{Folder: dir, ID: sessions[i].ID}
	}
	return subLabel, out, nil
}

func (c *Client) downloadSession(session *Container, subDir string) (string, string, error) {
	sesLabel := bids.SessionLabel(session.Label)
	sesDir := filepath.Join(subDir, sesLabel)
	if err := c.downloadSessionInto(session, sesDir); err != nil {
		return "", "", err
	}
	return sesLabel, sesDir, nil
}

func (c *Client) downloadSessionInto(session *Container, sesDir string) error {
	monitoring.Logf("downloading session %s into %s", session.Label, sesDir)

	acqs, err := c.Acquisitions(session.ID)
	if err != nil {
		return fmt.Errorf("failed to list acquisitions of %s: %w", session.Label, err)
	}

	var g errgroup.Group
	g.SetLimit(downloadWorkers)
	for i := range acqs {
		acq := acqs[i]
		files, err := c.Files(acq.ID)
		if err != nil {
			return fmt.Errorf("failed to list files of %s: %w", acq.Label, err)
		}
		for _, f := range files {
			f := f
			if !bids.IsInputScan(f.Name, f.Type) {
				continue
			}
			g.Go(func() error {
				return c.downloadOne(acq.ID, f.Name, sesDir)
			})
		}
	}
	return g.Wait()
}

func (c *Client) downloadOne(acqID, name, dir string) error {
	dest := filepath.Join(dir, name)
	// File names come from the server; refuse anything escaping the
	// session folder.
	if err := security.ValidatePathWithinDirectory(dest, dir); err != nil {
		return fmt.Errorf("refusing download of %q: %w", name, err)
	}
	if _, err := os.Stat(dest); err == nil {
		monitoring.Logf("file already downloaded: %s", name)
		return nil
	}
	if err := c.DownloadFile(acqID, name, dest); err != nil {
		return err
	}
	monitoring.Logf("downloaded file: %s", name)
	return nil
}
