package bytesize

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		want    ByteSize
		wantErr bool
	}{
		{"0", 0, false},
		{"4096", 4096, false},
		{"512B", 512, false},
		{"64Ki", 64 * 1024, false},
		{"1MiB", 1 << 20, false},
		{"1mi", 1 << 20, false},
		{"1 Mi", 1 << 20, false},
		{"  2Gi ", 2 << 30, false},
		{"100K", 100_000, false},
		{"1MB", 1_000_000, false},
		{"1.5Ki", 1536, false},

		{"", 0, true},
		{"Mi", 0, true},
		{"1Xi", 0, true},
		{"-1", 0, true},
		{"1.2.3", 0, true},
		{"99999999999999999999", 0, true},
		{"20000000000Gi", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestUnmarshalText(t *testing.T) {
	var b ByteSize
	if err := b.UnmarshalText([]byte("256Ki")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if b != 256*KiB {
		t.Errorf("got %d, want %d", b, 256*KiB)
	}
	if err := b.UnmarshalText([]byte("lots")); err == nil {
		t.Error("expected error for invalid size")
	}
}

func TestString(t *testing.T) {
	for in, want := range map[ByteSize]string{
		0:          "0B",
		512:        "512B",
		1536:       "1536B",
		KiB:        "1KiB",
		1536 * KiB: "1536KiB",
		MiB:        "1MiB",
		3 * GiB:    "3GiB",
	} {
		if got := in.String(); got != want {
			t.Errorf("ByteSize(%d).String() = %q, want %q", uint64(in), got, want)
		}
	}
}

func TestJSONSchemaAcceptsBothForms(t *testing.T) {
	s := ByteSize(0).JSONSchema()
	if len(s.OneOf) != 2 {
		t.Fatalf("expected integer and string alternatives, got %d", len(s.OneOf))
	}
	if s.OneOf[0].Type != "integer" || s.OneOf[1].Type != "string" {
		t.Errorf("unexpected alternatives %q, %q", s.OneOf[0].Type, s.OneOf[1].Type)
	}
}
