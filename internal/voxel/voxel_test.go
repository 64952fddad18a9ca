package voxel

import "testing"

func TestDecode_DropsEmptyRecords(t *testing.T) {
	var buf []byte
	buf = AppendRecord(buf, Dense49, [3]float64{0.25, 0.25, 0.25}, true)
	buf = AppendRecord(buf, Dense49, [3]float64{0.75, 0.25, 0.25}, false)
	buf = AppendRecord(buf, Dense49, [3]float64{1.25, -3.5, 8}, true)

	if got := Dense49.Records(len(buf)); got != 3 {
		t.Fatalf("records: got %d want 3", got)
	}
	out := Collect(buf, Dense49)
	if len(out) != 2 {
		t.Fatalf("samples: got %d want 2", len(out))
	}
	if out[1].Pos != [3]float64{1.25, -3.5, 8} {
		t.Fatalf("second sample: got %v", out[1].Pos)
	}
}

func TestDecode_TruncatedTail(t *testing.T) {
	for _, s := range []Schema{Dense49, Dense33, ChunkF32} {
		var buf []byte
		const k = 5
		for i := 0; i < k; i++ {
			buf = AppendRecord(buf, s, [3]float64{float64(i), 1, 2}, true)
		}
		buf = buf[:len(buf)-1]

		if got := s.Records(len(buf)); got != k-1 {
			t.Fatalf("%s records: got %d want %d", s.Name, got, k-1)
		}
		out := Collect(buf, s)
		if len(out) != k-1 {
			t.Fatalf("%s samples: got %d want %d", s.Name, len(out), k-1)
		}
		if out[k-2].Pos[0] != float64(k-2) {
			t.Fatalf("%s last sample x: got %v", s.Name, out[k-2].Pos[0])
		}
	}
}

func TestDecode_EmptyInputs(t *testing.T) {
	if out := Collect(nil, Dense49); len(out) != 0 {
		t.Fatalf("nil buffer: got %d samples", len(out))
	}
	var buf []byte
	for i := 0; i < 10; i++ {
		buf = AppendRecord(buf, Dense33, [3]float64{1, 2, 3}, false)
	}
	if out := Collect(buf, Dense33); len(out) != 0 {
		t.Fatalf("all-empty buffer: got %d samples", len(out))
	}
	short := make([]byte, Dense49.RecordSize-1)
	if out := Collect(short, Dense49); len(out) != 0 {
		t.Fatalf("short buffer: got %d samples", len(out))
	}
}

func TestDecode_Restartable(t *testing.T) {
	var buf []byte
	for i := 0; i < 4; i++ {
		buf = AppendRecord(buf, ChunkF32, [3]float64{float64(i) + 0.5, 0.5, 0.5}, true)
	}
	seq := Decode(buf, ChunkF32)
	count := func() int {
		n := 0
		for range seq {
			n++
		}
		return n
	}
	if a, b := count(), count(); a != 4 || b != 4 {
		t.Fatalf("restart: got %d then %d", a, b)
	}

	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("early stop: got %d", n)
	}
}

func TestDecode_FlagSubsetRegardlessOfOrder(t *testing.T) {
	flags := []bool{true, false, false, true, true, false, true}
	var buf []byte
	want := 0
	for i, f := range flags {
		buf = AppendRecord(buf, Dense33, [3]float64{float64(i), 0, 0}, f)
		if f {
			want++
		}
	}
	out := Collect(buf, Dense33)
	if len(out) != want {
		t.Fatalf("samples: got %d want %d", len(out), want)
	}
	for _, smp := range out {
		if !flags[int(smp.Pos[0])] {
			t.Fatalf("yielded empty record %v", smp.Pos)
		}
	}
}

func TestSchemaValidate(t *testing.T) {
	for _, s := range []Schema{Dense49, Dense33, ChunkF32} {
		if err := s.Validate(); err != nil {
			t.Fatalf("%s: %v", s.Name, err)
		}
	}
	bad := Schema{Name: "bad", RecordSize: 10, Wide: true, Offsets: [3]int{0, 8, 16}, FlagOffset: -1}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for overlapping layout")
	}
	if _, err := SchemaByName("nope"); err == nil {
		t.Fatalf("expected unknown schema error")
	}
}
