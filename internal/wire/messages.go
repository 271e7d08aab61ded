package wire

import (
	"errors"
	"fmt"
	"strings"
)

// Field IDs shared by all envelopes.
const (
	FieldToolPath uint16 = 1
	FieldArg      uint16 = 2
	FieldText     uint16 = 3
	FieldSeverity uint16 = 4
	FieldExitCode uint16 = 5
	FieldReason   uint16 = 6
)

var (
	ErrInvalidEnvelope = errors.New("wire: invalid envelope")
	ErrWrongType       = errors.New("wire: wrong message type")
)

// RunRequest asks the server to execute the hosted tool once.
type RunRequest struct {
	ToolPath string
	Args     []string
}

func (r RunRequest) Validate() error {
	if strings.TrimSpace(r.ToolPath) == "" {
		return fmt.Errorf("%w: missing tool_path", ErrInvalidEnvelope)
	}
	return nil
}

func (r RunRequest) Frame(messageID uint64) (Frame, error) {
	if err := r.Validate(); err != nil {
		return Frame{}, err
	}
	fields := make([]Field, 0, 1+len(r.Args))
	fields = append(fields, StringField(FieldToolPath, r.ToolPath))
	for _, arg := range r.Args {
		fields = append(fields, StringField(FieldArg, arg))
	}
	return Frame{
		Header:  Header{MessageID: messageID, MessageType: TypeRun},
		Payload: EncodeFields(fields),
	}, nil
}

func DecodeRunRequest(f Frame) (RunRequest, error) {
	if f.Header.MessageType != TypeRun {
		return RunRequest{}, ErrWrongType
	}
	fields, err := DecodeFields(f.Payload)
	if err != nil {
		return RunRequest{}, err
	}
	var req RunRequest
	for _, field := range fields {
		switch field.ID {
		case FieldToolPath:
			if err := MustType(field, TypeString); err != nil {
				return RunRequest{}, err
			}
			req.ToolPath = string(field.Value)
		case FieldArg:
			if err := MustType(field, TypeString); err != nil {
				return RunRequest{}, err
			}
			req.Args = append(req.Args, string(field.Value))
		}
	}
	if err := req.Validate(); err != nil {
		return RunRequest{}, err
	}
	return req, nil
}

// LogRecordEnv carries one (text, severity) record produced during a run.
type LogRecordEnv struct {
	Severity uint8
	Text     string
}

func (r LogRecordEnv) Frame(messageID uint64) Frame {
	fields := []Field{
		U8Field(FieldSeverity, r.Severity),
		StringField(FieldText, r.Text),
	}
	return Frame{
		Header:  Header{MessageID: messageID, MessageType: TypeLogRecord, Flags: FlagIsResponse},
		Payload: EncodeFields(fields),
	}
}

func DecodeLogRecord(f Frame) (LogRecordEnv, error) {
	if f.Header.MessageType != TypeLogRecord {
		return LogRecordEnv{}, ErrWrongType
	}
	fields, err := DecodeFields(f.Payload)
	if err != nil {
		return LogRecordEnv{}, err
	}
	var rec LogRecordEnv
	sev, ok := GetField(fields, FieldSeverity)
	if !ok {
		return LogRecordEnv{}, fmt.Errorf("%w: missing severity", ErrInvalidEnvelope)
	}
	if rec.Severity, err = U8FromBytes(sev.Value); err != nil {
		return LogRecordEnv{}, err
	}
	text, ok := GetField(fields, FieldText)
	if !ok {
		return LogRecordEnv{}, fmt.Errorf("%w: missing text", ErrInvalidEnvelope)
	}
	rec.Text = string(text.Value)
	return rec, nil
}

// RunResult terminates a run's record stream with the hosted tool's exit code.
type RunResult struct {
	ExitCode int32
}

func (r RunResult) Frame(messageID uint64) Frame {
	fields := []Field{U32Field(FieldExitCode, uint32(r.ExitCode))}
	return Frame{
		Header:  Header{MessageID: messageID, MessageType: TypeRunResult, Flags: FlagIsResponse},
		Payload: EncodeFields(fields),
	}
}

func DecodeRunResult(f Frame) (RunResult, error) {
	if f.Header.MessageType != TypeRunResult {
		return RunResult{}, ErrWrongType
	}
	fields, err := DecodeFields(f.Payload)
	if err != nil {
		return RunResult{}, err
	}
	code, ok := GetField(fields, FieldExitCode)
	if !ok {
		return RunResult{}, fmt.Errorf("%w: missing exit_code", ErrInvalidEnvelope)
	}
	v, err := U32FromBytes(code.Value)
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{ExitCode: int32(v)}, nil
}

// ErrorEnv reports a server-side failure that is not a hosted-tool exit code.
type ErrorEnv struct {
	Reason string
}

func (e ErrorEnv) Frame(messageID uint64) Frame {
	fields := []Field{StringField(FieldReason, e.Reason)}
	return Frame{
		Header:  Header{MessageID: messageID, MessageType: TypeError, Flags: FlagIsResponse | FlagIsError},
		Payload: EncodeFields(fields),
	}
}

func DecodeError(f Frame) (ErrorEnv, error) {
	if f.Header.MessageType != TypeError {
		return ErrorEnv{}, ErrWrongType
	}
	fields, err := DecodeFields(f.Payload)
	if err != nil {
		return ErrorEnv{}, err
	}
	reason, ok := GetField(fields, FieldReason)
	if !ok {
		return ErrorEnv{}, fmt.Errorf("%w: missing reason", ErrInvalidEnvelope)
	}
	return ErrorEnv{Reason: string(reason.Value)}, nil
}

// CheckFrame is the liveness probe; it carries no payload and has no side
// effects on the server.
func CheckFrame(messageID uint64) Frame {
	return Frame{Header: Header{MessageID: messageID, MessageType: TypeCheck}}
}

func CheckOKFrame(messageID uint64) Frame {
	return Frame{Header: Header{MessageID: messageID, MessageType: TypeCheckOK, Flags: FlagIsResponse}}
}

// ShutdownFrame asks the server to drain its pool and exit.
func ShutdownFrame(messageID uint64) Frame {
	return Frame{Header: Header{MessageID: messageID, MessageType: TypeShutdown}}
}
