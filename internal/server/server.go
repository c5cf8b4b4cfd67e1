package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/viper"

	"github.com/labphoton/actinic/internal/channel"
	"github.com/labphoton/actinic/internal/config"
	"github.com/labphoton/actinic/internal/events"
	"github.com/labphoton/actinic/internal/phase"
	"github.com/labphoton/actinic/internal/recording"
	"github.com/labphoton/actinic/internal/service"
)

// Server exposes the instrument over HTTP
type Server struct {
	service    service.Service
	configFile string
	port       string
	mux        *http.ServeMux
	upgrader   websocket.Upgrader
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	State     recording.State `json:"state"`
	Profile   string          `json:"active_profile"`
	LastError string          `json:"last_error,omitempty"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// ChannelRequest adds a channel or updates the fields that are set.
type ChannelRequest struct {
	SignalType       *string  `json:"signal_type,omitempty"`
	ControllerID     *string  `json:"controller_id,omitempty"`
	SamplesPerMinute *float64 `json:"samples_per_minute,omitempty"`
	Slope            *float64 `json:"slope,omitempty"`
	Offset           *float64 `json:"offset,omitempty"`
}

// New creates a web server around a running service
func New(svc service.Service, configFile string, port string) *Server {
	s := &Server{
		service:    svc,
		configFile: configFile,
		port:       port,
		mux:        http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the control page may be served from another host
			},
		},
	}

	s.mux.HandleFunc("/run", s.handleRun)
	s.mux.HandleFunc("/stop", s.handleStop)
	s.mux.HandleFunc("/resume", s.handleResume)
	s.mux.HandleFunc("/cancel", s.handleCancel)
	s.mux.HandleFunc("/calibrate", s.handleCalibrate)
	s.mux.HandleFunc("/calibrate/cancel", s.handleCancelCalibration)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/config/profiles", s.handleProfiles)
	s.mux.HandleFunc("/config/select", s.handleSelectProfile)
	s.mux.HandleFunc("/api/phases", s.handlePhases)
	s.mux.HandleFunc("/api/phases/", s.handlePhase)
	s.mux.HandleFunc("/api/channels", s.handleChannels)
	s.mux.HandleFunc("/api/channels/", s.handleChannel)
	s.mux.HandleFunc("/api/devices", s.handleDevices)
	s.mux.HandleFunc("/api/devices/rediscover", s.handleRediscover)
	s.mux.HandleFunc("/api/output", s.handleOutput)
	s.mux.HandleFunc("/api/measuring", s.handleMeasuring)
	s.mux.HandleFunc("/events", s.handleEvents)
	s.mux.Handle("/metrics", svc.MetricsHandler())
	return s
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	localIP := getLocalIP()
	slog.Info("Starting Actinic Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("Shutting down web server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "run", "Recording started", s.service.Run)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "stop", "Recording stopped", s.service.Stop)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "resume", "Recording resumed", s.service.Resume)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "cancel", "Recording cancelled", s.service.Cancel)
}

func (s *Server) handleCancelCalibration(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, "cancel_calibration", "Calibration cancelled", s.service.CancelCalibration)
}

// command runs a state machine transition for a POST request
func (s *Server) command(w http.ResponseWriter, r *http.Request, op, message string, fn func() error) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := fn(); err != nil {
		s.sendServiceError(w, err, "operation", op)
		return
	}
	slog.Info("Server: command accepted", "operation", op)
	sendSuccess(w, message, map[string]interface{}{
		"status": s.service.GetState().Status,
	})
}

// handleCalibrate starts the calibration of the channel given as a form
// value or JSON body
func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var index int
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			Channel int `json:"channel"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload", "operation", "calibrate")
			return
		}
		index = req.Channel
	} else {
		if err := r.ParseForm(); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "calibrate")
			return
		}
		var err error
		index, err = strconv.Atoi(r.FormValue("channel"))
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Channel index is required", "operation", "calibrate")
			return
		}
	}

	if err := s.service.Calibrate(index); err != nil {
		s.sendServiceError(w, err, "operation", "calibrate", "channel", index)
		return
	}
	sendSuccess(w, fmt.Sprintf("Calibrating channel %d", index), map[string]interface{}{
		"channel": index,
	})
}

// handleStatus returns the state snapshot with the last error
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	st := s.service.GetState()
	response := StatusResponse{
		Status:    string(st.Status),
		Message:   statusMessage(st),
		State:     st,
		Profile:   s.service.GetConfig().Profile,
		LastError: s.service.GetLastError(),
	}
	writeJSON(w, http.StatusOK, response)
}

func statusMessage(st recording.State) string {
	switch st.Status {
	case recording.Idle:
		if len(st.Predicates.RunBlockers) > 0 {
			return "Not ready: " + strings.Join(st.Predicates.RunBlockers, ", ")
		}
		return "Ready to record"
	case recording.Running:
		if st.Stamp != nil {
			return fmt.Sprintf("Recording phase %d of %d", st.Stamp.CurrentIndex+1, len(st.Phases))
		}
		return "Recording"
	case recording.UnderCalibration:
		if st.CalibratingChannel != nil {
			return fmt.Sprintf("Calibrating channel %d", *st.CalibratingChannel)
		}
	}
	return ""
}

// handlePhases lists, replaces or appends phases
func (s *Server) handlePhases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		phases := s.service.GetPhases()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"phases":   phases,
			"total_ms": totalMillis(phases),
		})
	case http.MethodPut:
		var phases []phase.Phase
		if err := json.NewDecoder(r.Body).Decode(&phases); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload", "operation", "set_phases")
			return
		}
		if err := s.service.SetPhases(phases); err != nil {
			s.sendServiceError(w, err, "operation", "set_phases")
			return
		}
		sendSuccess(w, fmt.Sprintf("%d phases set", len(phases)), nil)
	case http.MethodPost:
		var p phase.Phase
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload", "operation", "append_phase")
			return
		}
		index := len(s.service.GetPhases())
		if err := s.service.InsertPhase(index, p); err != nil {
			s.sendServiceError(w, err, "operation", "append_phase")
			return
		}
		sendSuccess(w, "Phase added", map[string]interface{}{"index": index})
	default:
		sendMethodNotAllowed(w)
	}
}

// handlePhase edits one phase: PUT replaces, POST inserts before, DELETE
// removes
func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	index, ok := s.pathIndex(w, r, "/api/phases/")
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPut, http.MethodPost:
		var p phase.Phase
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload", "operation", "edit_phase")
			return
		}
		var err error
		message := "Phase updated"
		if r.Method == http.MethodPut {
			err = s.service.SetPhase(index, p)
		} else {
			err = s.service.InsertPhase(index, p)
			message = "Phase inserted"
		}
		if err != nil {
			s.sendServiceError(w, err, "operation", "edit_phase", "index", index)
			return
		}
		sendSuccess(w, message, map[string]interface{}{"index": index})
	case http.MethodDelete:
		if err := s.service.RemovePhase(index); err != nil {
			s.sendServiceError(w, err, "operation", "remove_phase", "index", index)
			return
		}
		sendSuccess(w, "Phase removed", map[string]interface{}{"index": index})
	default:
		sendMethodNotAllowed(w)
	}
}

func totalMillis(phases []phase.Phase) int64 {
	var total int64
	for _, p := range phases {
		total += p.Duration.Millis()
	}
	return total
}

// handleChannels lists channels or adds one
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"channels": s.service.GetChannels(),
		})
	case http.MethodPost:
		var req ChannelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload", "operation", "add_channel")
			return
		}
		spec := recording.ChannelSpec{SignalType: channel.Fluorescence}
		if req.SignalType != nil {
			t, err := channel.ParseSignalType(*req.SignalType)
			if err != nil {
				s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "add_channel")
				return
			}
			spec.SignalType = t
		}
		if req.ControllerID != nil {
			spec.ControllerID = *req.ControllerID
		}
		if req.SamplesPerMinute != nil {
			spec.SamplesPerMinute = *req.SamplesPerMinute
		}
		index, err := s.service.AddChannel(spec)
		if err != nil {
			s.sendServiceError(w, err, "operation", "add_channel")
			return
		}
		sendSuccess(w, "Channel added", map[string]interface{}{"index": index})
	default:
		sendMethodNotAllowed(w)
	}
}

// handleChannel updates or removes one channel. A PATCH applies the signal
// type, then the controller, then the rate and finally a manual calibration.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	index, ok := s.pathIndex(w, r, "/api/channels/")
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.service.RemoveChannel(index); err != nil {
			s.sendServiceError(w, err, "operation", "remove_channel", "index", index)
			return
		}
		sendSuccess(w, "Channel removed", map[string]interface{}{"index": index})
	case http.MethodPatch:
		var req ChannelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload", "operation", "update_channel")
			return
		}
		if err := s.updateChannel(index, req); err != nil {
			s.sendServiceError(w, err, "operation", "update_channel", "index", index)
			return
		}
		var info *channel.Info
		for _, ch := range s.service.GetChannels() {
			if ch.Index == index {
				info = &ch
			}
		}
		sendSuccess(w, "Channel updated", map[string]interface{}{"channel": info})
	default:
		sendMethodNotAllowed(w)
	}
}

func (s *Server) updateChannel(index int, req ChannelRequest) error {
	if req.SignalType != nil {
		t, err := channel.ParseSignalType(*req.SignalType)
		if err != nil {
			return err
		}
		if err := s.service.SetSignalType(index, t); err != nil {
			return err
		}
	}
	if req.ControllerID != nil {
		if err := s.service.SelectController(index, *req.ControllerID); err != nil {
			return err
		}
	}
	if req.SamplesPerMinute != nil {
		if _, err := s.service.SetSamplingRate(index, *req.SamplesPerMinute); err != nil {
			return err
		}
	}
	if req.Slope != nil || req.Offset != nil {
		if req.Slope == nil || req.Offset == nil {
			return errors.New("slope and offset must be set together")
		}
		if err := s.service.SetCalibration(index, *req.Slope, *req.Offset); err != nil {
			return err
		}
	}
	return nil
}

// handleDevices lists the registered controllers
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": s.service.GetDevices(),
	})
}

// handleRediscover probes the transports again and returns the new list
func (s *Server) handleRediscover(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.service.Rediscover(r.Context()); err != nil {
		s.sendErrorResponse(w, http.StatusBadGateway,
			fmt.Sprintf("Device discovery failed: %v", err), "operation", "rediscover")
		return
	}
	devices := s.service.GetDevices()
	sendSuccess(w, fmt.Sprintf("%d devices available", len(devices)), map[string]interface{}{
		"devices": devices,
	})
}

// handleOutput reads or changes the output destination
func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"destination": s.service.GetState().Destination,
		})
	case http.MethodPut:
		var req struct {
			Destination string `json:"destination"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload", "operation", "set_output")
			return
		}
		if req.Destination == "" {
			s.sendErrorResponse(w, http.StatusBadRequest, "Destination is required", "operation", "set_output")
			return
		}
		if err := s.service.SetOutputDestination(req.Destination); err != nil {
			s.sendServiceError(w, err, "operation", "set_output")
			return
		}
		sendSuccess(w, "Output destination updated", map[string]interface{}{
			"destination": req.Destination,
		})
	default:
		sendMethodNotAllowed(w)
	}
}

// handleMeasuring reads or changes the measuring beam settings
func (s *Server) handleMeasuring(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"measuring": s.service.GetState().Measuring,
		})
	case http.MethodPut, http.MethodPatch:
		var update service.MeasuringUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload", "operation", "set_measuring")
			return
		}
		if err := s.service.UpdateMeasuring(update); err != nil {
			s.sendServiceError(w, err, "operation", "set_measuring")
			return
		}
		sendSuccess(w, "Measuring settings updated", map[string]interface{}{
			"measuring": s.service.GetState().Measuring,
		})
	default:
		sendMethodNotAllowed(w)
	}
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles":       s.getAvailableProfiles(),
		"active_profile": s.service.GetConfig().Profile,
	})
}

// handleSelectProfile applies a profile and persists it as the active one
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "profile_selection")
		return
	}

	profile := r.FormValue("profile")
	slog.Debug("Profile selection request", "profile", profile)
	if profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Profile name is required", "operation", "profile_selection")
		return
	}

	if err := s.service.LoadProfile(profile); err != nil {
		s.sendServiceError(w, err, "profile", profile, "operation", "profile_selection")
		return
	}

	if err := config.UpdateActiveConfig(s.configFile, profile); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to save profile selection to config file: %v", err),
			"profile", profile, "operation", "profile_selection")
		return
	}

	slog.Info("Profile changed", "profile", profile)
	sendSuccess(w, fmt.Sprintf("Profile changed to %s", profile), map[string]interface{}{
		"profile": profile,
	})
}

// getAvailableProfiles returns the sorted profile names of the config file
func (s *Server) getAvailableProfiles() []string {
	profiles := []string{}
	if s.configFile == "" {
		return profiles
	}
	if _, err := os.Stat(s.configFile); err != nil {
		return profiles
	}

	// A fresh viper instance keeps the global one untouched
	v := viper.New()
	v.SetConfigFile(s.configFile)
	if err := v.ReadInConfig(); err != nil {
		slog.Debug("Failed to read config file for profiles", "error", err)
		return profiles
	}
	var rootConfig config.RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		slog.Debug("Failed to unmarshal config for profiles", "error", err)
		return profiles
	}
	for name := range rootConfig.Configs {
		profiles = append(profiles, name)
	}
	sort.Strings(profiles)
	return profiles
}

// handleEvents streams bus events over a websocket. The optional kinds
// query parameter is a comma separated filter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var kinds []events.Kind
	if q := r.URL.Query().Get("kinds"); q != "" {
		for _, k := range strings.Split(q, ",") {
			kinds = append(kinds, events.Kind(strings.TrimSpace(k)))
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, unsubscribe := s.service.Events().Subscribe(256, kinds...)
	defer unsubscribe()
	slog.Debug("Event stream opened", "remote", r.RemoteAddr, "kinds", kinds)

	// The reader only notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("Event stream read error", "error", err)
				}
				return
			}
		}
	}()

	// The first message is the current state
	initial := events.Event{Kind: events.KindStatus, Time: time.Now(), Payload: s.service.GetState()}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(initial); err != nil {
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("Event stream write error", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			slog.Debug("Event stream closed", "remote", r.RemoteAddr)
			return
		}
	}
}

// pathIndex reads the integer that follows prefix in the URL path
func (s *Server) pathIndex(w http.ResponseWriter, r *http.Request, prefix string) (int, bool) {
	raw := strings.TrimPrefix(r.URL.Path, prefix)
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		s.sendErrorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("Invalid index '%s'", raw), "path", r.URL.Path)
		return 0, false
	}
	return index, true
}

// sendServiceError maps service errors to HTTP status codes
func (s *Server) sendServiceError(w http.ResponseWriter, err error, logContext ...interface{}) {
	s.sendErrorResponse(w, statusCode(err), err.Error(), logContext...)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrNotAllowed),
		errors.Is(err, recording.ErrDisabled),
		errors.Is(err, recording.ErrPhaseLocked),
		errors.Is(err, channel.ErrCalibrationInProgress):
		return http.StatusConflict
	case errors.Is(err, recording.ErrChannelIndex),
		errors.Is(err, phase.ErrPhaseIndex):
		return http.StatusNotFound
	case errors.Is(err, recording.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// sendErrorResponse sends a JSON error response and logs the error with context
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMessage string, logContext ...interface{}) {
	logArgs := []interface{}{"error_message", errorMessage, "status_code", statusCode}
	logArgs = append(logArgs, logContext...)
	slog.Error("Sending error response to client", logArgs...)

	writeJSON(w, statusCode, GenericResponse{
		Success: false,
		Error:   errorMessage,
	})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		sendMethodNotAllowed(w)
		return false
	}
	return true
}

func sendMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
}

func sendSuccess(w http.ResponseWriter, message string, extra map[string]interface{}) {
	response := map[string]interface{}{
		"success": true,
		"message": message,
	}
	for k, v := range extra {
		response[k] = v
	}
	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// getLocalIP returns the local IP address for network access
func getLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
