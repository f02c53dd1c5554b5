package handler

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/clocksync"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/heartbeat"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/orchestrator"
	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/domain"
)

// Sessions is the orchestrator surface the control service drives.
type Sessions interface {
	StartSession(ctx context.Context, sessionID string) (*orchestrator.StartResult, error)
	StopSession(ctx context.Context) (*domain.Session, error)
	State() orchestrator.State
	Recorders() []orchestrator.RecorderSnapshot
	ActiveSessionID() string
	LastStartResult() *orchestrator.StartResult
	LastRecovery() *domain.RecoveryResult
	RunRecovery(ctx context.Context, scan func(context.Context) (*domain.RecoveryResult, error)) (*domain.RecoveryResult, error)
}

// Scanner runs a crash-recovery scan.
type Scanner interface {
	Scan(ctx context.Context) (*domain.RecoveryResult, error)
}

// Server implements ControlService over the session orchestrator.
type Server struct {
	sessions  Sessions
	scanner   Scanner
	heartbeat func() heartbeat.Status
	clockSync func() clocksync.Stats
}

// Option adds an optional status source.
type Option func(*Server)

// WithHeartbeatStatus includes the hub link in GetStatus.
func WithHeartbeatStatus(f func() heartbeat.Status) Option {
	return func(s *Server) { s.heartbeat = f }
}

// WithClockSyncStats includes clock sync statistics in GetStatus.
func WithClockSyncStats(f func() clocksync.Stats) Option { return func(s *Server) { s.clockSync = f } }

// NewServer returns a control server. If sessions is nil, all RPCs return Unimplemented.
func NewServer(sessions Sessions, scanner Scanner, opts ...Option) *Server {
	s := &Server{sessions: sessions, scanner: scanner}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type startResponse struct {
	SessionID         string            `json:"session_id"`
	SuccessfulSensors []string          `json:"successful_sensors"`
	FailedSensors     map[string]string `json:"failed_sensors"`
	IsPartialSuccess  bool              `json:"is_partial_success"`
}

// StartSession starts a session. The optional "session_id" field names it.
func (s *Server) StartSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.sessions == nil {
		return nil, status.Error(codes.Unimplemented, "method StartSession not implemented")
	}
	id := req.GetFields()["session_id"].GetStringValue()
	res, err := s.sessions.StartSession(ctx, id)
	if err != nil {
		return nil, sessionError(err)
	}
	return toStruct(startResponse{
		SessionID:         res.SessionID,
		SuccessfulSensors: nonNil(res.SuccessfulSensors),
		FailedSensors:     res.FailedSensors,
		IsPartialSuccess:  res.IsPartialSuccess,
	})
}

// StopSession stops the active session and returns its final record. With no session it returns {"stopped": false}.
func (s *Server) StopSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.sessions == nil {
		return nil, status.Error(codes.Unimplemented, "method StopSession not implemented")
	}
	rec, err := s.sessions.StopSession(ctx)
	if err != nil {
		return nil, sessionError(err)
	}
	if rec == nil {
		return toStruct(map[string]interface{}{"stopped": false})
	}
	return toStruct(struct {
		Stopped bool            `json:"stopped"`
		Session *domain.Session `json:"session"`
	}{true, rec})
}

type recorderStatus struct {
	Name             string `json:"name"`
	Kind             string `json:"kind"`
	State            string `json:"state"`
	Required         bool   `json:"required"`
	LastError        string `json:"last_error,omitempty"`
	RecoveryAttempts int    `json:"recovery_attempts"`
}

type recoveryStatus struct {
	ScannedCount      int      `json:"scanned_count"`
	CrashedSessionIDs []string `json:"crashed_session_ids"`
	Errors            []string `json:"errors"`
}

type statusResponse struct {
	State           string            `json:"state"`
	ActiveSessionID string            `json:"active_session_id,omitempty"`
	Recorders       []recorderStatus  `json:"recorders"`
	LastStart       *startResponse    `json:"last_start,omitempty"`
	Recovery        *recoveryStatus   `json:"recovery,omitempty"`
	Heartbeat       *heartbeat.Status `json:"heartbeat,omitempty"`
	ClockSync       *clocksync.Stats  `json:"clock_sync,omitempty"`
}

// GetStatus returns the orchestrator state, recorder table and service summaries.
func (s *Server) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.sessions == nil {
		return nil, status.Error(codes.Unimplemented, "method GetStatus not implemented")
	}
	resp := statusResponse{
		State:           string(s.sessions.State()),
		ActiveSessionID: s.sessions.ActiveSessionID(),
		Recorders:       []recorderStatus{},
	}
	for _, r := range s.sessions.Recorders() {
		resp.Recorders = append(resp.Recorders, recorderStatus{
			Name:             r.Name,
			Kind:             string(r.Kind),
			State:            string(r.State),
			Required:         r.Required,
			LastError:        r.LastError,
			RecoveryAttempts: r.RecoveryAttempts,
		})
	}
	if last := s.sessions.LastStartResult(); last != nil {
		resp.LastStart = &startResponse{
			SessionID:         last.SessionID,
			SuccessfulSensors: nonNil(last.SuccessfulSensors),
			FailedSensors:     last.FailedSensors,
			IsPartialSuccess:  last.IsPartialSuccess,
		}
	}
	if rr := s.sessions.LastRecovery(); rr != nil {
		resp.Recovery = recoveryView(rr)
	}
	if s.heartbeat != nil {
		hb := s.heartbeat()
		resp.Heartbeat = &hb
	}
	if s.clockSync != nil {
		cs := s.clockSync()
		resp.ClockSync = &cs
	}
	return toStruct(resp)
}

// ScanRecovery runs a crash-recovery scan through the orchestrator, which rejects it
// unless IDLE and holds off session starts until it finishes.
func (s *Server) ScanRecovery(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.sessions == nil || s.scanner == nil {
		return nil, status.Error(codes.Unimplemented, "method ScanRecovery not implemented")
	}
	res, err := s.sessions.RunRecovery(ctx, s.scanner.Scan)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidState), errors.Is(err, orchestrator.ErrRecoveryInProgress):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case err != nil:
		return nil, status.Error(codes.Internal, "recovery scan failed")
	}
	return toStruct(recoveryView(res))
}

func recoveryView(r *domain.RecoveryResult) *recoveryStatus {
	return &recoveryStatus{
		ScannedCount:      r.ScannedCount,
		CrashedSessionIDs: r.CrashedSessionIDs(),
		Errors:            nonNil(r.Errors),
	}
}

// sessionError maps orchestrator errors to gRPC status codes.
func sessionError(err error) error {
	var pre *orchestrator.PrerequisitesNotMetError
	var req *orchestrator.RequiredRecorderFailedError
	switch {
	case errors.As(err, &pre):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidState), errors.Is(err, orchestrator.ErrRecoveryInProgress):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &req):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, orchestrator.ErrNoRecordersStarted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, "session operation failed")
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
