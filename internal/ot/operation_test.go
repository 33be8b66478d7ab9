package ot

import (
	"errors"
	"testing"
)

func TestNewInsert(t *testing.T) {
	op := NewInsert("user-1", 4, "abc")

	if op.Kind != KindInsert {
		t.Errorf("Kind = %q, want %q", op.Kind, KindInsert)
	}
	if op.Length != 3 {
		t.Errorf("Length = %d, want 3", op.Length)
	}
	if op.ID == "" {
		t.Error("expected a generated ID")
	}
	if op.Timestamp == 0 {
		t.Error("expected a creation timestamp")
	}
}

func TestNewDelete(t *testing.T) {
	op := NewDelete("user-1", 2, 5)

	if op.Kind != KindDelete {
		t.Errorf("Kind = %q, want %q", op.Kind, KindDelete)
	}
	if op.Position != 2 || op.Length != 5 {
		t.Errorf("range = [%d, %d), want [2, 7)", op.Position, op.end())
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name       string
		op         Operation
		wantLength int
		wantErr    error
	}{
		{
			name:       "insert derives length from content",
			op:         Operation{Kind: KindInsert, Position: 0, Content: "hello"},
			wantLength: 5,
		},
		{
			name:       "delete with explicit length",
			op:         Operation{Kind: KindDelete, Position: 1, Length: 3},
			wantLength: 3,
		},
		{
			name:       "delete defaults length from content",
			op:         Operation{Kind: KindDelete, Position: 1, Content: "ab"},
			wantLength: 2,
		},
		{
			name:    "delete without length or content",
			op:      Operation{Kind: KindDelete, Position: 1},
			wantErr: ErrMissingLength,
		},
		{
			name:    "negative position",
			op:      Operation{Kind: KindInsert, Position: -1, Content: "x"},
			wantErr: ErrNegativePosition,
		},
		{
			name:    "negative length",
			op:      Operation{Kind: KindDelete, Position: 0, Length: -2},
			wantErr: ErrNegativeLength,
		},
		{
			name:    "unknown kind",
			op:      Operation{Kind: "replace", Position: 0},
			wantErr: ErrUnknownKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op.Normalize()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Normalize() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if got.Length != tt.wantLength {
				t.Errorf("Length = %d, want %d", got.Length, tt.wantLength)
			}
		})
	}
}

func TestIsNoop(t *testing.T) {
	if !(Operation{Kind: KindDelete, Position: 3, Length: 0}).IsNoop() {
		t.Error("zero-length delete should be a noop")
	}
	if !(Operation{Kind: KindInsert, Position: 3}).IsNoop() {
		t.Error("empty insert should be a noop")
	}
	if (Operation{Kind: KindInsert, Position: 0, Content: "x", Length: 1}).IsNoop() {
		t.Error("non-empty insert should not be a noop")
	}
	if !(Operation{Kind: KindRetain, Position: 0, Length: 4}).IsNoop() {
		t.Error("retain should be a noop")
	}
}
