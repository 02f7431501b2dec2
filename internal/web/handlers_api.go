package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"kraken-go-home/internal/device"
	"kraken-go-home/internal/kraken"
	"kraken-go-home/internal/update"
	"kraken-go-home/internal/usbio"
)

const (
	defaultSyncTimeout = 10 * time.Second
	maxSyncTimeout     = time.Minute
)

// deviceDetail is a device snapshot plus its attribute table.
type deviceDetail struct {
	device.Info
	Attributes []attributeView `json:"attributes"`
}

type attributeView struct {
	kraken.Attribute
	Mode  string `json:"mode"`
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

func attributeViews(dev *device.Device) []attributeView {
	attrs := dev.Attributes()
	out := make([]attributeView, 0, len(attrs))
	for _, a := range attrs {
		v := attributeView{Attribute: a, Mode: a.Mode()}
		if a.Readable() {
			if val, err := dev.Get(a.Name); err != nil {
				v.Error = err.Error()
			} else {
				v.Value = val
			}
		}
		out = append(out, v)
	}
	return out
}

// statusFor maps an error onto the HTTP status it is reported with.
func statusFor(err error) int {
	switch {
	case errors.Is(err, kraken.ErrInvalidArgument), errors.Is(err, kraken.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, kraken.ErrUnknownAttribute), errors.Is(err, device.ErrNotFound), errors.Is(err, kraken.ErrNoValue):
		return http.StatusNotFound
	case errors.Is(err, kraken.ErrReadOnly), errors.Is(err, kraken.ErrWriteOnly):
		return http.StatusMethodNotAllowed
	case errors.Is(err, update.ErrDisabled):
		return http.StatusConflict
	case errors.Is(err, usbio.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
		msg = "internal server error"
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// lookup resolves the {id} path value, writing a 404 when it is unknown.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*device.Device, bool) {
	dev, err := s.devices.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return dev, true
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devs := s.devices.List()
	out := make([]device.Info, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.Info())
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, deviceDetail{Info: dev.Info(), Attributes: attributeViews(dev)})
}

func (s *Server) handleAPIListAttributes(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, attributeViews(dev))
}

func (s *Server) handleAPIGetAttribute(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookup(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	v, err := dev.Get(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"name": name, "value": v})
}

type setAttributeRequest struct {
	Value string `json:"value"`
}

// handleAPISetAttribute accepts either a JSON {"value": ...} body or the
// value as plain text.
func (s *Server) handleAPISetAttribute(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookup(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")

	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	var value string
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "application/json" {
		var req setAttributeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		value = req.Value
	} else {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		value = string(data)
	}

	if err := dev.Set(name, value); err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]string{"status": "ok", "name": name}
	if v, err := dev.Get(name); err == nil {
		resp["value"] = v
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type setUpdateRequest struct {
	IntervalMS *int  `json:"interval_ms"`
	Enabled    *bool `json:"enabled"`
}

func (s *Server) handleAPISetUpdate(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req setUpdateRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.IntervalMS == nil && req.Enabled == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "interval_ms or enabled is required"})
		return
	}
	if req.IntervalMS != nil && *req.IntervalMS < 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "interval_ms must not be negative"})
		return
	}

	if req.IntervalMS != nil {
		dev.SetUpdateInterval(time.Duration(*req.IntervalMS) * time.Millisecond)
	}
	if req.Enabled != nil {
		dev.SetUpdateEnabled(*req.Enabled)
	}
	s.writeJSON(w, http.StatusOK, dev.UpdateStatus())
}

// handleAPIUpdateNow runs a pass and reports its outcome.
func (s *Server) handleAPIUpdateNow(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := dev.UpdateNow(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev.Info())
}

// handleAPISync blocks until the next pass of the device completes. The
// wait is bounded by ?timeout= (a Go duration, default 10s).
func (s *Server) handleAPISync(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookup(w, r)
	if !ok {
		return
	}

	timeout := defaultSyncTimeout
	if q := r.URL.Query().Get("timeout"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 || d > maxSyncTimeout {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "timeout must be a duration up to 1m"})
			return
		}
		timeout = d
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	synced := dev.WaitForNextUpdate(ctx)
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": synced, "update": dev.UpdateStatus()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
