package media

import "testing"

func TestRawPicture_ReleaseInvokesCallbackAtZero(t *testing.T) {
	released := 0
	p := NewRawPicture([][]byte{make([]byte, 16)}, []int{4}, 4, 4, PixFmtYUV420P, func(*RawPicture) { released++ })

	clone := p.Ref()
	p.Release()
	if released != 0 {
		t.Fatalf("release callback fired too early")
	}
	clone.Release()
	if released != 1 {
		t.Fatalf("release callback did not fire, released=%d", released)
	}
}

func TestRawPicture_QualityRefReleasedWithOwner(t *testing.T) {
	innerReleased := false
	inner := NewRawPicture([][]byte{{1}}, []int{1}, 1, 1, PixFmtYUV420P, func(*RawPicture) { innerReleased = true })

	outer := NewRawPicture([][]byte{{2}}, []int{1}, 1, 1, PixFmtYUV420P, nil)
	outer.TakeQualityRef(inner)

	outer.Release()
	if !innerReleased {
		t.Fatalf("quality ref was not released alongside its owner")
	}
}

func TestRawPicture_IsDeviceResident(t *testing.T) {
	cpu := NewRawPicture(nil, nil, 1, 1, PixFmtYUV420P, nil)
	if cpu.IsDeviceResident() {
		t.Fatalf("cpu picture reported as device resident")
	}

	dev := NewDevicePicture(nil, 1920, 1080, nil)
	if !dev.IsDeviceResident() {
		t.Fatalf("device picture not reported as device resident")
	}
	dev.Release()
}
