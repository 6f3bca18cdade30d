package protocol

import (
	"errors"
	"testing"
)

func TestDecodeClientMessage_Authenticate(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"authenticate","user_id":" u1 "}`))
	if err != nil {
		t.Fatalf("decode error = %v", err)
	}
	auth, ok := msg.(ClientAuthenticate)
	if !ok {
		t.Fatalf("decoded %T, want ClientAuthenticate", msg)
	}
	if auth.UserID != "u1" {
		t.Fatalf("user_id=%q, want trimmed u1", auth.UserID)
	}
}

func TestDecodeClientMessage_AuthenticateMissingUserID(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"authenticate"}`))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err=%v, want *DecodeError", err)
	}
	if de.Code != "bad_request" || de.Param != "user_id" {
		t.Fatalf("code=%q param=%q", de.Code, de.Param)
	}
}

func TestDecodeClientMessage_AudioChunk(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"audio:chunk","sequence":7,"data_b64":"QUJD"}`))
	if err != nil {
		t.Fatalf("decode error = %v", err)
	}
	chunk, ok := msg.(ClientAudioChunk)
	if !ok {
		t.Fatalf("decoded %T, want ClientAudioChunk", msg)
	}
	if chunk.Sequence != 7 || chunk.DataB64 != "QUJD" {
		t.Fatalf("chunk=%+v", chunk)
	}
}

func TestDecodeClientMessage_AudioChunkRejectsMissingData(t *testing.T) {
	if _, err := DecodeClientMessage([]byte(`{"type":"audio:chunk","sequence":0}`)); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := DecodeClientMessage([]byte(`{"type":"audio:chunk","sequence":-1,"data_b64":"QQ=="}`)); err == nil {
		t.Fatalf("expected error for negative sequence")
	}
}

func TestDecodeClientMessage_BareFrames(t *testing.T) {
	for _, typ := range []string{TypeCallStart, TypeCallEnd, TypeAudioStreamStart, TypeBargeIn, TypePing} {
		if _, err := DecodeClientMessage([]byte(`{"type":"` + typ + `"}`)); err != nil {
			t.Fatalf("decode %q error = %v", typ, err)
		}
	}
}

func TestDecodeClientMessage_UserMessageRequiresText(t *testing.T) {
	if _, err := DecodeClientMessage([]byte(`{"type":"user:message","text":"  "}`)); err == nil {
		t.Fatalf("expected error for blank text")
	}
}

func TestDecodeClientMessage_UnknownType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"bogus"}`))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err=%v, want *DecodeError", err)
	}
	if de.Code != "unsupported" {
		t.Fatalf("code=%q, want unsupported", de.Code)
	}
}

func TestDecodeClientMessage_InvalidJSON(t *testing.T) {
	if _, err := DecodeClientMessage([]byte(`{`)); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := DecodeClientMessage([]byte(`{"no_type":true}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
}
