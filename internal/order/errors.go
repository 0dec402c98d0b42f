package order

import (
	"errors"

	"github.com/coachpo/hiveproxy/errs"
	"github.com/coachpo/hiveproxy/internal/frame"
)

// Client-visible error messages.
const (
	MsgUserInvalid         = "user: invalid"
	MsgInsufficientBalance = "order: insufficient balance"
	MsgOrderInvalid        = "order: invalid"
	MsgRateLimited         = "order: rate limited"
	MsgUnknown             = "order: error"

	CodeUserInvalid = 20000
)

// ErrorFrame describes how one canonical error kind is rendered to the client.
type ErrorFrame struct {
	Msg  string
	Code *int
	// UseRawMessage replaces Msg with the failure's own message when one is available.
	UseRawMessage bool
}

// ErrorTable maps canonical error kinds to client error frames. CanonicalUnknown is the fallback.
type ErrorTable map[errs.CanonicalCode]ErrorFrame

// DefaultErrorTable keeps cancel failures indistinguishable from authorization failures on the
// wire, as existing clients expect.
func DefaultErrorTable() ErrorTable {
	userInvalid := ErrorFrame{Msg: MsgUserInvalid, Code: intPtr(CodeUserInvalid)}
	return ErrorTable{
		errs.CanonicalUnauthorized:        userInvalid,
		errs.CanonicalCancelFailed:        userInvalid,
		errs.CanonicalInsufficientBalance: {Msg: MsgInsufficientBalance},
		errs.CanonicalInvalidOrder:        {Msg: MsgOrderInvalid},
		errs.CanonicalRateLimited:         {Msg: MsgRateLimited},
		errs.CanonicalUnknown:             {Msg: MsgUnknown, UseRawMessage: true},
	}
}

// Frame renders err as a client error frame.
func (t ErrorTable) Frame(err error) frame.Error {
	entry, ok := t[errs.CanonicalOf(err)]
	if !ok {
		entry, ok = t[errs.CanonicalUnknown]
		if !ok {
			entry = ErrorFrame{Msg: MsgUnknown, UseRawMessage: true}
		}
	}
	msg := entry.Msg
	if entry.UseRawMessage {
		if raw := rawMessage(err); raw != "" {
			msg = raw
		}
	}
	if entry.Code != nil {
		return frame.NewError(msg, *entry.Code)
	}
	return frame.Error{Msg: msg}
}

// rawMessage returns the first backend message recorded in the error chain. Without one it
// falls back to the root cause's text, or the deepest envelope message.
func rawMessage(err error) string {
	var msg string
	for err != nil {
		var e *errs.E
		if !errors.As(err, &e) {
			return err.Error()
		}
		if e.RawMsg != "" {
			return e.RawMsg
		}
		if e.Message != "" {
			msg = e.Message
		}
		err = e.Unwrap()
	}
	return msg
}

func intPtr(v int) *int { return &v }
