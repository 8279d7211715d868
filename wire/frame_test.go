package wire

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := WorkerReply{RequestID: "r1", Body: []byte(`{"ok":true}`)}

	b, err := EncodeBytes(want)
	if err != nil {
		t.Fatalf("EncodeBytes: %v", err)
	}

	f, err := DecodeFrame(b)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}

	if f.Kind != KindWorkerReply {
		t.Fatalf("kind = %s, want %s", f.Kind, KindWorkerReply)
	}

	var got WorkerReply
	if err := DecodeInto(f, &got); err != nil {
		t.Fatalf("DecodeInto: %v", err)
	}

	if got.RequestID != want.RequestID || string(got.Body) != string(want.Body) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDecodeFrameMalformed(t *testing.T) {
	_, err := DecodeFrame([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error decoding malformed frame")
	}

	var mf *MalformedFrame
	if ok := asMalformedFrame(err, &mf); !ok {
		t.Fatalf("expected *MalformedFrame, got %T", err)
	}
}

func TestDecodeIntoMalformed(t *testing.T) {
	f := Frame{Kind: KindWorkerReply, Payload: []byte(`{"request_id": 5}`)}

	var out WorkerReply
	err := DecodeInto(f, &out)
	if err == nil {
		t.Fatal("expected error decoding malformed payload")
	}

	var mf *MalformedFrame
	if ok := asMalformedFrame(err, &mf); !ok {
		t.Fatalf("expected *MalformedFrame, got %T", err)
	}
	if mf.Kind != KindWorkerReply {
		t.Fatalf("kind = %s, want %s", mf.Kind, KindWorkerReply)
	}
}

func asMalformedFrame(err error, target **MalformedFrame) bool {
	mf, ok := err.(*MalformedFrame)
	if !ok {
		return false
	}
	*target = mf
	return true
}
