package ctrl

import "testing"

func TestDefaultStartParamsValid(t *testing.T) {
	if err := DefaultStartParams("t").Validate(); err != nil {
		t.Fatalf("default params should validate: %v", err)
	}
}

func TestStartParamsValidation(t *testing.T) {
	base := DefaultStartParams("t")

	cases := []struct {
		name    string
		mutate  func(*StartParams)
		wantErr bool
	}{
		{"name too long", func(p *StartParams) { p.Name = make64ByteString() }, true},
		{"max pending too small", func(p *StartParams) { p.MaxPendingMB = 1 }, true},
		{"max pending too large", func(p *StartParams) { p.MaxPendingMB = maxPendingMB + 1 }, true},
		{"min pending zero", func(p *StartParams) { p.MinPendingMB = 0 }, true},
		{"min pending >= max", func(p *StartParams) { p.MinPendingMB = p.MaxPendingMB }, true},
		{"queue stop timeout zero", func(p *StartParams) { p.QueueStopTimeoutMs = 0 }, true},
		{"flush interval mb too large", func(p *StartParams) { p.LogFlushIntervalMB = p.MaxPendingMB }, true},
		{"n_pack_bulk zero", func(p *StartParams) { p.NPackBulk = 0 }, true},
		{"n_io_bulk zero", func(p *StartParams) { p.NIOBulk = 0 }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.mutate(&p)
			err := p.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func make64ByteString() string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
