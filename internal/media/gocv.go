package media

import (
	"fmt"
	"log/slog"
	"strconv"

	"gocv.io/x/gocv"

	"github.com/satriabw/calibration-frontend/internal/protocol"
)

// captureSource wraps a gocv capture device. File sources rewind and
// replay on end-of-stream so long-running sessions never starve.
type captureSource struct {
	capture *gocv.VideoCapture
	mode    protocol.InputMode
	input   string
	loop    bool
}

func openCamera(input string) (Source, error) {
	if input == "" {
		input = "0"
	}

	// Numeric inputs are device indexes, anything else is a device path.
	var device any = input
	if idx, err := strconv.Atoi(input); err == nil {
		device = idx
	}

	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, &AcquisitionError{Input: input, Err: err}
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, &AcquisitionError{Input: input, Err: fmt.Errorf("device not opened")}
	}

	slog.Info("Camera opened", "input", input)
	return &captureSource{capture: capture, mode: protocol.ModeCamera, input: input}, nil
}

func openFile(path string) (Source, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, &AcquisitionError{Input: path, Err: err}
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, &AcquisitionError{Input: path, Err: fmt.Errorf("file not opened")}
	}

	slog.Info("Video file opened", "input", path)
	return &captureSource{capture: capture, mode: protocol.ModeFile, input: path, loop: true}, nil
}

func (s *captureSource) Sample() (Frame, error) {
	mat := gocv.NewMat()
	if !s.capture.Read(&mat) || mat.Empty() {
		mat.Close()
		if s.loop {
			// End of file: rewind and let the next tick pick up frame 0.
			s.capture.Set(gocv.VideoCapturePosFrames, 0)
		}
		return nil, ErrNoFrame
	}
	return &matFrame{mat: mat}, nil
}

func (s *captureSource) Mode() protocol.InputMode {
	return s.mode
}

func (s *captureSource) Close() error {
	slog.Info("Media source closed", "input", s.input, "input_mode", s.mode)
	return s.capture.Close()
}

// matFrame adapts a gocv.Mat to the Frame interface.
type matFrame struct {
	mat gocv.Mat
}

func (f *matFrame) EncodeJPEG(quality int) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, f.mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("media: jpeg encode: %w", err)
	}
	defer buf.Close()

	// Copy out of the native buffer before it is freed.
	return append([]byte(nil), buf.GetBytes()...), nil
}

func (f *matFrame) Bounds() (int, int) {
	return f.mat.Cols(), f.mat.Rows()
}

func (f *matFrame) Release() {
	f.mat.Close()
}
