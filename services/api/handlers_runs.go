package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"swatwps/pkg/bus"
	"swatwps/pkg/render"
	"swatwps/services/orchestrator"
)

const multipartMemory = 32 << 20

func (a *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxUploadBytes)
	var files []*multipart.FileHeader
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
			return
		}
		defer r.MultipartForm.RemoveAll()
		files = r.MultipartForm.File["input"]
	}
	if a.config.Dispatch == DispatchBus && len(files) > 1 {
		respondError(w, http.StatusBadRequest, errors.New("queued runs accept at most one input archive"))
		return
	}

	names := make([]string, 0, len(files))
	for _, fh := range files {
		names = append(names, filepath.Base(fh.Filename))
	}
	run := orchestrator.NewRun(orchestrator.SourceAPI, strings.Join(names, ","))

	inputs, err := a.saveInputs(run.ID, files)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	if err := a.deps.Store.Create(ctx, run); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	logger := a.logger.With().Str("run_id", run.ID.String()).Logger()

	if a.config.Dispatch == DispatchBus {
		if err := a.enqueue(r.Context(), run, inputs); err != nil {
			logger.Error().Err(err).Msg("queue run")
			run.Status = orchestrator.StatusFailed
			run.ErrorKind = "dispatch_failure"
			run.Error = err.Error()
			now := time.Now().UTC()
			run.FinishedAt = &now
			if err := a.deps.Store.Update(context.WithoutCancel(r.Context()), run); err != nil {
				logger.Warn().Err(err).Msg("record dispatch failure")
			}
			respondError(w, http.StatusBadGateway, err)
			return
		}
		w.Header().Set("Location", "/v1/runs/"+run.ID.String())
		respondJSON(w, http.StatusAccepted, map[string]any{"run": run})
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if _, err := a.deps.Executor.Execute(r.Context(), run, inputs); err != nil {
			logger.Warn().Err(err).Msg("run failed")
		}
		respondJSON(w, http.StatusOK, map[string]any{"run": run})
		return
	}

	snapshot := *run
	w.Header().Set("Location", "/v1/runs/"+run.ID.String())
	respondJSON(w, http.StatusAccepted, map[string]any{"run": snapshot})

	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		if _, err := a.deps.Executor.Execute(context.WithoutCancel(r.Context()), run, inputs); err != nil {
			logger.Warn().Err(err).Msg("run failed")
		}
	}()
}

// saveInputs writes uploaded archives under the runs root, outside the run's
// own work root.
func (a *API) saveInputs(id uuid.UUID, files []*multipart.FileHeader) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	dir := filepath.Join(a.deps.Executor.RunsRoot, "inputs", id.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create input dir: %w", err)
	}

	paths := make([]string, 0, len(files))
	for i, fh := range files {
		name := filepath.Base(fh.Filename)
		if name == "." || name == string(filepath.Separator) {
			name = "input.zip"
		}
		dest := filepath.Join(dir, fmt.Sprintf("%d-%s", i, name))
		if err := saveUpload(fh, dest); err != nil {
			return nil, err
		}
		paths = append(paths, dest)
	}
	return paths, nil
}

func saveUpload(fh *multipart.FileHeader, dest string) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("store upload %s: %w", fh.Filename, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("store upload %s: %w", fh.Filename, err)
	}
	return out.Close()
}

func (a *API) enqueue(ctx context.Context, run *orchestrator.Run, inputs []string) error {
	evt := bus.RunRequested{
		RunID:       run.ID.String(),
		RequestedAt: run.CreatedAt,
	}
	if len(inputs) == 1 {
		key := "inputs/" + run.ID.String() + "/" + run.InputName
		if _, err := a.deps.Objects.PutFile(ctx, a.config.InputBucket, key, inputs[0]); err != nil {
			return fmt.Errorf("upload input: %w", err)
		}
		evt.InputBucket = a.config.InputBucket
		evt.InputKey = key
	}
	return a.deps.Events.Publish(ctx, bus.SubjectRunRequested, evt)
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	runs, err := a.deps.Store.List(ctx, status, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := a.loadRun(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (a *API) handleRunResult(w http.ResponseWriter, r *http.Request) {
	run, ok := a.loadRun(w, r)
	if !ok {
		return
	}
	if run.Status != orchestrator.StatusSucceeded {
		respondError(w, http.StatusConflict, fmt.Errorf("run %s is %s", run.ID, run.Status))
		return
	}

	if run.ResultKey != "" && a.deps.Objects != nil {
		url, err := a.deps.Objects.PresignGet(r.Context(), a.deps.Executor.Bucket, run.ResultKey, presignURLExpiry)
		if err != nil {
			respondError(w, http.StatusInternalServerError, fmt.Errorf("presign result: %w", err))
			return
		}
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}

	if run.ResultPath == "" {
		respondError(w, http.StatusNotFound, fmt.Errorf("run %s has no result archive", run.ID))
		return
	}
	f, err := os.Open(run.ResultPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			respondError(w, http.StatusGone, fmt.Errorf("result archive for run %s is no longer available", run.ID))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", run.ID.String()+".zip"))
	if run.ResultSHA256 != "" {
		w.Header().Set("X-Checksum-Sha256", run.ResultSHA256)
	}
	http.ServeContent(w, r, filepath.Base(run.ResultPath), info.ModTime(), f)
}

func (a *API) handleRunReport(w http.ResponseWriter, r *http.Request) {
	run, ok := a.loadRun(w, r)
	if !ok {
		return
	}
	tailLines, err := queryInt(r, "tail")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	rendered, err := a.deps.Renderer.Render("run_summary.tmpl", render.RunSummary{
		ID:             run.ID.String(),
		Status:         run.Status,
		State:          run.State,
		Executable:     run.Executable,
		ExitCode:       run.ExitCode,
		InputSkipped:   run.InputSkipped,
		Duration:       time.Duration(run.DurationMS) * time.Millisecond,
		Entries:        run.Entries,
		ResultArchive:  resultLocation(run, a.deps.Executor.Bucket),
		Error:          run.Error,
		Transcript:     run.Transcript,
		TranscriptTail: tailLines,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(rendered))
}

func (a *API) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if a.deps.Trail == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("audit trail is not configured"))
		return
	}
	run, ok := a.loadRun(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	events, err := a.deps.Trail.List(ctx, run.ID.String())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

func resultLocation(run *orchestrator.Run, bucket string) string {
	if run.ResultKey != "" {
		return "s3://" + bucket + "/" + run.ResultKey
	}
	return run.ResultPath
}

func (a *API) loadRun(w http.ResponseWriter, r *http.Request) (*orchestrator.Run, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid run id is required"))
		return nil, false
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	run, err := a.deps.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("run %s not found", id))
			return nil, false
		}
		respondError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return run, true
}
