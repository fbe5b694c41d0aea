// Package importer is the synchronous upload path: it resolves where new
// files belong, materializes or merges the staged session record, and
// optionally awaits an immediate archive.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmir/prearchive/internal/model"
	"github.com/openmir/prearchive/internal/notify"
	"github.com/openmir/prearchive/internal/queue"
	"github.com/openmir/prearchive/internal/store"
)

// Client-classified failures; the API layer maps these to 4xx responses and
// never lets the queue retry them.
var (
	// ErrNoFiles means the upload contained nothing stageable.
	ErrNoFiles = errors.New("no files in upload")
	// ErrAmbiguous means the destination matched more than one entity.
	ErrAmbiguous = errors.New("ambiguous destination")
	// ErrCollision means a staged file already exists and overwrite was not set.
	ErrCollision = errors.New("file already exists in staged session")
	// ErrInvalidName means an uploaded file name would leave the staging dir.
	ErrInvalidName = errors.New("invalid file name in upload")
	// ErrBusy means the target session is in-flight under another operation.
	ErrBusy = errors.New("operation already in progress")
)

// File is one uploaded file, already landed in a temp location.
type File struct {
	Name string
	Path string
}

// Request carries an upload plus its parameter map.
type Request struct {
	User   string
	Files  []File
	Params map[string]string
}

// Result reports where the upload ended up.
type Result struct {
	Key      model.SessionKey `json:"key"`
	Location string           `json:"location"`
	Archived bool             `json:"archived"`
}

// Importer resolves destinations and stages sessions.
type Importer struct {
	store       store.Store
	enq         queue.Enqueuer
	bus         *notify.Bus
	stagingRoot string
	autoArchive bool
	syncTimeout time.Duration
	log         *zap.Logger
}

// Options configures an Importer.
type Options struct {
	Store       store.Store
	Enqueuer    queue.Enqueuer
	Bus         *notify.Bus
	StagingRoot string
	AutoArchive bool
	SyncTimeout time.Duration
	Log         *zap.Logger
}

// New constructs an Importer.
func New(opts Options) *Importer {
	imp := &Importer{
		store:       opts.Store,
		enq:         opts.Enqueuer,
		bus:         opts.Bus,
		stagingRoot: opts.StagingRoot,
		autoArchive: opts.AutoArchive,
		syncTimeout: opts.SyncTimeout,
		log:         opts.Log,
	}
	if imp.syncTimeout <= 0 {
		imp.syncTimeout = 10 * time.Minute
	}
	if imp.log == nil {
		imp.log = zap.NewNop()
	}
	return imp
}

// Import stages an upload. It returns the prearchive location, or, when the
// immediate-archive path applies, blocks until that one archive request
// finishes and returns the permanent location.
func (imp *Importer) Import(ctx context.Context, req Request) (*Result, error) {
	if len(req.Files) == 0 {
		return nil, ErrNoFiles
	}
	for _, file := range req.Files {
		if !safeRelName(file.Name) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidName, file.Name)
		}
	}
	dest, err := imp.resolve(ctx, req.Params)
	if err != nil {
		return nil, err
	}
	rec, err := imp.materialize(ctx, req, dest)
	if err != nil {
		return nil, err
	}
	res := &Result{Key: rec.Key, Location: rec.Key.URI()}
	if !imp.shouldAutoArchive(req.Params, rec) {
		return res, nil
	}
	location, err := imp.archiveAndWait(ctx, req.User, rec)
	if err != nil {
		return nil, err
	}
	res.Location = location
	res.Archived = true
	return res, nil
}

// ImportDirectory stages every file under dir as one session; the inbox
// trawler calls this once per discovered session directory.
func (imp *Importer) ImportDirectory(ctx context.Context, user, dir string, params map[string]string) ([]model.SessionKey, error) {
	var files []File
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, File{Name: rel, Path: path})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	merged := make(map[string]string, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	if merged[model.ParamLabel] == "" {
		merged[model.ParamLabel] = filepath.Base(dir)
	}
	res, err := imp.Import(ctx, Request{User: user, Files: files, Params: merged})
	if err != nil {
		return nil, err
	}
	return []model.SessionKey{res.Key}, nil
}

// destination is the outcome of resolution: either an exact staged-session
// key (explicit prearchive dest) or seeded project/subject/label values.
type destination struct {
	explicit *model.SessionKey
	project  string
	subject  string
	label    string
}

// resolve applies the identification rules: an explicit prearchive URI wins
// outright; otherwise the project comes from the parameters and the
// experiment is matched by id, then by label, seeding the import so repeat
// uploads land in the same staged session.
func (imp *Importer) resolve(ctx context.Context, params map[string]string) (destination, error) {
	if uri := params[model.ParamDestination]; uri != "" {
		key, err := model.ParseSourceURI(uri)
		if err != nil {
			return destination{}, fmt.Errorf("%w: %v", ErrAmbiguous, err)
		}
		return destination{explicit: &key}, nil
	}
	dest := destination{
		project: params[model.ParamProject],
		subject: params[model.ParamSubject],
		label:   params[model.ParamLabel],
	}
	if id := params[model.ParamSession]; id != "" {
		exp, err := imp.store.FindExperimentByID(ctx, dest.project, id)
		if err == nil {
			dest.project, dest.subject, dest.label = exp.Project, exp.Subject, exp.Label
			return dest, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return destination{}, err
		}
	}
	if dest.project == "" && dest.subject != "" {
		project, err := imp.projectForSubject(ctx, dest.subject)
		if err != nil {
			return destination{}, err
		}
		dest.project = project
	}
	if dest.label != "" {
		exp, err := imp.store.FindExperimentByLabel(ctx, dest.project, dest.label)
		switch {
		case err == nil:
			dest.project = exp.Project
			if dest.subject == "" {
				dest.subject = exp.Subject
			}
			dest.label = exp.Label
		case errors.Is(err, store.ErrAmbiguous):
			return destination{}, fmt.Errorf("%w: experiment label %q matches multiple projects", ErrAmbiguous, dest.label)
		case !errors.Is(err, store.ErrNotFound):
			return destination{}, err
		}
	}
	return dest, nil
}

// projectForSubject derives a project from the subject's archived history: a
// subject whose experiments all live in one project identifies it. A subject
// split across projects identifies nothing, and the upload stays unassigned.
func (imp *Importer) projectForSubject(ctx context.Context, subject string) (string, error) {
	exps, err := imp.store.FindExperimentsBySubject(ctx, subject)
	if err != nil {
		return "", err
	}
	project := ""
	for _, exp := range exps {
		if project == "" {
			project = exp.Project
			continue
		}
		if project != exp.Project {
			return "", nil
		}
	}
	return project, nil
}

// materialize creates the staged session record, or merges the upload into an
// existing one under single-session-merge semantics.
func (imp *Importer) materialize(ctx context.Context, req Request, dest destination) (*model.SessionRecord, error) {
	if dest.explicit != nil {
		rec, err := imp.store.Get(ctx, *dest.explicit)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return imp.create(ctx, req, *dest.explicit, dest)
			}
			return nil, err
		}
		return imp.merge(ctx, req, rec)
	}
	if rec := imp.findStaged(ctx, dest); rec != nil {
		return imp.merge(ctx, req, rec)
	}
	key := model.SessionKey{
		Project:   dest.project,
		Timestamp: time.Now().UTC().Format("20060102_150405"),
		Folder:    folderName(dest, req),
	}
	return imp.create(ctx, req, key, dest)
}

func folderName(dest destination, req Request) string {
	if dest.label != "" {
		return dest.label
	}
	if len(req.Files) > 0 {
		if base := filepath.Base(filepath.Dir(req.Files[0].Name)); base != "." && base != string(filepath.Separator) {
			return base
		}
	}
	return uuid.NewString()
}

// findStaged looks for an existing staged session in the resolved project
// whose folder or label matches the resolved label.
func (imp *Importer) findStaged(ctx context.Context, dest destination) *model.SessionRecord {
	if dest.label == "" {
		return nil
	}
	recs, err := imp.store.Find(ctx, dest.project, "")
	if err != nil {
		return nil
	}
	for _, rec := range recs {
		if rec.Key.Folder == dest.label || rec.Label == dest.label {
			return rec
		}
	}
	return nil
}

// create inserts the record (the insert form of the gate: one concurrent
// creator wins) and stages the files.
func (imp *Importer) create(ctx context.Context, req Request, key model.SessionKey, dest destination) (*model.SessionRecord, error) {
	dir := key.StagingPath(imp.stagingRoot)
	rec := &model.SessionRecord{
		Key:              key,
		Status:           model.StatusBuilding,
		Subject:          dest.subject,
		Label:            dest.label,
		SourceDir:        dir,
		LastBuilt:        time.Now().UTC(),
		AdditionalValues: importValues(req.Params),
	}
	if err := imp.store.Add(ctx, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost the insert race; merge into the winner's session.
			existing, gerr := imp.store.Get(ctx, key)
			if gerr != nil {
				return nil, fmt.Errorf("%w: session %s", ErrBusy, key.String())
			}
			return imp.merge(ctx, req, existing)
		}
		return nil, err
	}
	if err := imp.stage(ctx, req, dir, model.OverwriteAppend); err != nil {
		_ = imp.store.ForceStatus(ctx, key, model.StatusError, err.Error())
		return nil, err
	}
	if ok, err := imp.store.TryTransition(ctx, key, []model.SessionStatus{model.StatusBuilding}, model.StatusReady); err != nil || !ok {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: session %s", ErrBusy, key.String())
	}
	return imp.store.Get(ctx, key)
}

// merge adds the upload to an existing staged session. The gate transition to
// RECEIVING serializes merges against queued operations; losing it is the
// client-visible "operation already in progress".
func (imp *Importer) merge(ctx context.Context, req Request, rec *model.SessionRecord) (*model.SessionRecord, error) {
	key := rec.Key
	ok, err := imp.store.TryTransition(ctx, key, model.StableStatuses, model.StatusReceiving)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrBusy, key.String())
	}
	overwrite := req.Params[model.ParamOverwrite]
	if overwrite == "" {
		overwrite = model.OverwriteNone
	}
	dir := rec.SourceDir
	if dir == "" {
		dir = key.StagingPath(imp.stagingRoot)
	}
	if err := imp.stage(ctx, req, dir, overwrite); err != nil {
		if errors.Is(err, ErrCollision) || errors.Is(err, ErrInvalidName) {
			// Client error: the session itself is fine, release it.
			_, _ = imp.store.TryTransition(ctx, key, []model.SessionStatus{model.StatusReceiving}, model.StatusReady)
			return nil, err
		}
		_ = imp.store.ForceStatus(ctx, key, model.StatusError, err.Error())
		return nil, err
	}
	rec.LastBuilt = time.Now().UTC()
	if err := imp.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	ok, err = imp.store.TryTransition(ctx, key, []model.SessionStatus{model.StatusReceiving}, model.StatusReady)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Something (an administrative reset, the lease reaper) took the
		// session away mid-merge; the record is no longer ours to return.
		return nil, fmt.Errorf("%w: session %s", ErrBusy, key.String())
	}
	return imp.store.Get(ctx, key)
}

// stage writes the uploaded files under dir. Collisions honor the overwrite
// mode: none raises ErrCollision, append keeps existing files and errors only
// on a name clash, override replaces.
func (imp *Importer) stage(ctx context.Context, req Request, dir, overwrite string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	for _, file := range req.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.Clean(file.Name))
		if !strings.HasPrefix(target, dir+string(filepath.Separator)) {
			// A file may only land inside this session's staging directory.
			return fmt.Errorf("%w: %s", ErrInvalidName, file.Name)
		}
		if _, err := os.Stat(target); err == nil && overwrite != model.OverwriteOverride {
			return fmt.Errorf("%w: %s", ErrCollision, file.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create staging subdir: %w", err)
		}
		if err := copyInto(file.Path, target); err != nil {
			return err
		}
	}
	return nil
}

// safeRelName reports whether an uploaded file name stays inside the
// directory it is joined into: relative, with no leading parent traversal
// after cleaning. Same rejection rule the source-URI parser applies.
func safeRelName(name string) bool {
	if name == "" || filepath.IsAbs(name) {
		return false
	}
	clean := filepath.Clean(name)
	return clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

func copyInto(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open upload %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create staged file %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("write staged file %s: %w", dst, err)
	}
	return out.Close()
}

func importValues(params map[string]string) map[string]string {
	values := make(map[string]string)
	for _, k := range []string{model.ParamTimezone, model.ParamSource, model.ParamSubject, model.ParamSession} {
		if v := params[k]; v != "" {
			values[k] = v
		}
	}
	return values
}

func (imp *Importer) shouldAutoArchive(params map[string]string, rec *model.SessionRecord) bool {
	if rec.PreventAutoCommit || rec.Key.ProjectOrUnassigned() == model.UnassignedProject {
		return false
	}
	switch params[model.ParamAutoArchive] {
	case "true":
		return true
	case "false":
		return false
	}
	return imp.autoArchive
}

// archiveAndWait is the pipeline's one synchronous-await point: win the gate,
// enqueue the archive request, and block until that specific request reaches
// a terminal state, so a single-session direct upload can return the
// authoritative permanent location.
func (imp *Importer) archiveAndWait(ctx context.Context, user string, rec *model.SessionRecord) (string, error) {
	key := rec.Key
	ok, err := imp.store.TryTransition(ctx, key, []model.SessionStatus{model.StatusReady}, model.StatusArchiving)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: session %s", ErrBusy, key.String())
	}
	opID := uuid.NewString()
	var events <-chan notify.Event
	if imp.bus != nil {
		events = imp.bus.Subscribe(opID)
	}
	if _, err := imp.enq.Enqueue(ctx, model.OpDirectArchive, queue.OpPayload{
		OpID: opID,
		User: user,
		Key:  key,
	}); err != nil {
		// Undo the claim so the session is not stranded in ARCHIVING.
		_, _ = imp.store.TryTransition(ctx, key, []model.SessionStatus{model.StatusArchiving}, model.StatusReady)
		if imp.bus != nil {
			imp.bus.Cancel(opID)
		}
		return "", err
	}
	return imp.awaitOutcome(ctx, rec, events)
}

func (imp *Importer) awaitOutcome(ctx context.Context, rec *model.SessionRecord, events <-chan notify.Event) (string, error) {
	deadline := time.NewTimer(imp.syncTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("timed out waiting for archive of %s", rec.Key.String())
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !ev.Terminal {
				continue
			}
			if ev.Status == model.StatusArchived {
				return ev.Location, nil
			}
			return "", fmt.Errorf("archive failed: %s", ev.Message)
		case <-poll.C:
			current, err := imp.store.Get(ctx, rec.Key)
			if errors.Is(err, store.ErrNotFound) {
				// Record removal is how a successful archive finishes.
				return imp.archivedLocation(ctx, rec), nil
			}
			if err != nil {
				return "", err
			}
			if current.Status == model.StatusError || current.Status == model.StatusConflict {
				return "", fmt.Errorf("archive failed: %s", current.Message)
			}
		}
	}
}

func (imp *Importer) archivedLocation(ctx context.Context, rec *model.SessionRecord) string {
	label := rec.Label
	if label == "" {
		label = rec.Key.Folder
	}
	exp, err := imp.store.FindExperimentByLabel(ctx, rec.Key.ProjectOrUnassigned(), label)
	if err != nil {
		return model.ArchivePath("", rec.Key.ProjectOrUnassigned(), rec.Subject, label)
	}
	return exp.Location
}
