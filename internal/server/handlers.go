package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"diskforge/internal/eject"
	"diskforge/internal/flash"
	"diskforge/internal/pipeline"
	"diskforge/pkg/httpx"
)

func (d Deps) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := d.Devices.List(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusBadGateway, "device enumeration failed: "+err.Error())
		return
	}
	httpx.WriteJSON(w, map[string]any{"devices": devices})
}

type flashRequest struct {
	ImagePath  string `json:"imagePath"`
	DevicePath string `json:"devicePath"`
}

func (d Deps) handleFlash(w http.ResponseWriter, r *http.Request) {
	var req flashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ImagePath == "" || req.DevicePath == "" {
		httpx.WriteError(w, http.StatusBadRequest, "imagePath and devicePath required")
		return
	}
	if err := d.Pipeline.ValidateTarget(r.Context(), req.DevicePath); err != nil {
		httpx.WriteTypedError(w, http.StatusBadRequest, "invalid_target", err.Error())
		return
	}
	total, err := imageSize(req.ImagePath)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "image not readable: "+err.Error())
		return
	}
	if !d.Pipeline.TryAcquire(req.DevicePath) {
		httpx.WriteTypedError(w, http.StatusConflict, "device_busy", "another operation is already running on "+req.DevicePath)
		return
	}

	job := d.Jobs.Create("flash")
	go func() {
		defer d.Pipeline.Release(req.DevicePath)
		d.Jobs.SetRunning(job.ID)
		d.Metrics.FlashInFlight.Inc()
		defer d.Metrics.FlashInFlight.Dec()

		fj, err := d.Flasher.Start(context.Background(), req.ImagePath, req.DevicePath, total)
		if err != nil {
			d.Jobs.Finish(job.ID, false, err.Error())
			d.Metrics.observe("flash", false)
			return
		}
		for ev := range fj.Events {
			d.Jobs.SetProgress(job.ID, ev.Percent, "")
		}
		if err := fj.Wait(); err != nil {
			d.Jobs.Finish(job.ID, false, err.Error())
			d.Metrics.observe("flash", false)
			return
		}
		d.Metrics.FlashBytesTotal.Add(float64(total))
		d.Metrics.observe("flash", true)
		d.Jobs.Finish(job.ID, true, "image written and synced")
	}()

	httpx.WriteJSONStatus(w, http.StatusAccepted, map[string]any{"jobId": job.ID})
}

type extendRequest struct {
	DevicePath     string `json:"devicePath"`
	PartitionIndex int    `json:"partitionIndex"`
}

func (d Deps) handleExtend(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DevicePath == "" || req.PartitionIndex < 1 {
		httpx.WriteError(w, http.StatusBadRequest, "devicePath and partitionIndex required")
		return
	}
	if err := d.Pipeline.ValidateTarget(r.Context(), req.DevicePath); err != nil {
		httpx.WriteTypedError(w, http.StatusBadRequest, "invalid_target", err.Error())
		return
	}
	if !d.Pipeline.TryAcquire(req.DevicePath) {
		httpx.WriteTypedError(w, http.StatusConflict, "device_busy", "another operation is already running on "+req.DevicePath)
		return
	}
	defer d.Pipeline.Release(req.DevicePath)

	res := d.Pipeline.Extender.Extend(r.Context(), req.DevicePath, req.PartitionIndex)
	d.Metrics.observe("extend", res.Succeeded)
	// Partial success (table grown, filesystem not) is still a 200: the
	// caller distinguishes it by the result body, not the status line.
	httpx.WriteJSON(w, res)
}

type ejectRequest struct {
	DevicePath string `json:"devicePath"`
}

func (d Deps) handleEject(w http.ResponseWriter, r *http.Request) {
	var req ejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DevicePath == "" {
		httpx.WriteError(w, http.StatusBadRequest, "devicePath required")
		return
	}
	if !d.Pipeline.TryAcquire(req.DevicePath) {
		httpx.WriteTypedError(w, http.StatusConflict, "device_busy", "another operation is already running on "+req.DevicePath)
		return
	}
	defer d.Pipeline.Release(req.DevicePath)

	err := d.Pipeline.Ejector.Eject(r.Context(), req.DevicePath)
	d.Metrics.observe("eject", err == nil)
	if err != nil {
		var busy *eject.BusyError
		if errors.As(err, &busy) {
			httpx.WriteTypedError(w, http.StatusConflict, "device_busy", busy.Error())
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, pipeline.Result{Success: true, Message: req.DevicePath + " unmounted and powered off"})
}

func (d Deps) handlePipeline(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ImagePath == "" || req.DevicePath == "" {
		httpx.WriteError(w, http.StatusBadRequest, "imagePath and devicePath required")
		return
	}

	job := d.Jobs.Create("pipeline")
	go func() {
		d.Jobs.SetRunning(job.ID)
		res := d.Pipeline.Run(context.Background(), req, func(ev flash.Progress) {
			d.Jobs.SetProgress(job.ID, ev.Percent, "flashing")
		})
		d.Metrics.observe("pipeline", res.Success)
		d.Jobs.Finish(job.ID, res.Success, res.Message)
	}()

	httpx.WriteJSONStatus(w, http.StatusAccepted, map[string]any{"jobId": job.ID})
}

func (d Deps) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := d.Jobs.Get(id)
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "no such job")
		return
	}
	httpx.WriteJSON(w, job)
}

func (d Deps) handleRecentJobs(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	httpx.WriteJSON(w, map[string]any{"jobs": d.Jobs.Recent(limit)})
}

func imageSize(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if fi.Size() <= 0 {
		return 0, nil
	}
	return uint64(fi.Size()), nil
}
