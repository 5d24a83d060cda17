package models

import "testing"

func TestParseEnvelopeKnownTypes(t *testing.T) {
	for _, typ := range []EnvelopeType{EnvelopeSync, EnvelopeUpdate, EnvelopeAwareness, EnvelopeStateRequest, EnvelopeStateSync} {
		raw, err := MarshalEnvelope(typ, nil)
		if err != nil {
			t.Fatalf("MarshalEnvelope(%s): %v", typ, err)
		}
		env, err := ParseEnvelope(raw)
		if err != nil {
			t.Fatalf("ParseEnvelope(%s): %v", typ, err)
		}
		if env.Type != typ {
			t.Errorf("round-tripped type = %s, want %s", env.Type, typ)
		}
	}
}

func TestParseEnvelopeRejectsUnknownType(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"type":"telemetry"}`)); err == nil {
		t.Fatal("unknown envelope type accepted")
	}
}

func TestParseEnvelopeRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"type":`)); err == nil {
		t.Fatal("malformed frame accepted")
	}
}

func TestWatermarkRoundTrip(t *testing.T) {
	w := ParseWatermark("p1:100,p2:200")
	if !w.Contains("p1:100") || !w.Contains("p2:200") {
		t.Fatalf("parsed watermark missing identities: %v", w)
	}
	w.Add("p3:300")

	decoded := ParseWatermark(w.Encode())
	if len(decoded) != 3 || !decoded.Contains("p3:300") {
		t.Fatalf("encode/parse lost identities: %v", decoded)
	}

	if len(ParseWatermark("")) != 0 {
		t.Fatal("empty watermark not empty")
	}
}

func TestSignalIdentity(t *testing.T) {
	sig := SignalMessage{From: "p1", Timestamp: 1234}
	if sig.Identity() != "p1:1234" {
		t.Fatalf("Identity() = %s", sig.Identity())
	}
}
