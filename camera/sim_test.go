package camera

import "testing"

func TestSimFrameLifecycle(t *testing.T) {
	s := NewSim(4, 2)
	if err := s.Connect(0); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// triggers before acquisition starts are ignored
	s.Trigger(3)
	if n, _ := s.CountUnreadFrames(); n != 0 {
		t.Fatalf("%d frames before acquisition", n)
	}

	if err := s.StartAcquisition(); err != nil {
		t.Fatal(err)
	}
	s.Trigger(3)
	if n, _ := s.CountUnreadFrames(); n != 3 {
		t.Fatalf("%d unread, want 3", n)
	}

	b, err := s.ReadFrames(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if b.Frames != 2 || b.Width != 4 || b.Height != 2 || len(b.Pix) != 16 {
		t.Errorf("batch %dx%dx%d with %d pixels", b.Frames, b.Height, b.Width, len(b.Pix))
	}
	if n, _ := s.CountUnreadFrames(); n != 1 {
		t.Errorf("%d unread after read, want 1", n)
	}

	// reads past the ring are rejected
	if _, err := s.ReadFrames(0, 4); err == nil {
		t.Error("out of range read succeeded")
	}

	// stopping drops the ring
	s.StopAcquisition()
	if n, _ := s.CountUnreadFrames(); n != 0 {
		t.Errorf("%d unread after stop", n)
	}
}

func TestSimRoiResizesFrames(t *testing.T) {
	s := NewSim(16, 16)
	s.Connect(0)
	defer s.Close()
	if err := s.SetRoi(ROI{Left: 1, Right: 8, Bottom: 1, Top: 4, BinX: 2, BinY: 1}); err != nil {
		t.Fatal(err)
	}
	s.StartAcquisition()
	s.Trigger(1)
	b, err := s.ReadFrames(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if b.Width != 4 || b.Height != 4 {
		t.Errorf("roi geometry %dx%d, want 4x4", b.Height, b.Width)
	}

	if err := s.SetRoi(ROI{Left: 8, Right: 1, Bottom: 1, Top: 4, BinX: 1, BinY: 1}); err == nil {
		t.Error("inverted roi accepted")
	}
}

func TestStateStrings(t *testing.T) {
	states := map[ConnectionState]string{
		Disconnected:  "disconnected",
		Connecting:    "connecting",
		Connected:     "connected",
		Disconnecting: "disconnecting",
	}
	for st, want := range states {
		if st.String() != want {
			t.Errorf("%d stringifies to %q", st, st.String())
		}
	}
}
