package static

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/bhandras/nbruntime/internal/protocol/wire"
	"github.com/bhandras/nbruntime/internal/requests"
	"github.com/bhandras/nbruntime/internal/transport"
	"github.com/bhandras/nbruntime/pkg/logger"
)

// Snapshot is an exported notebook: the operations that rebuild its state,
// its source, and the files its outputs reference.
type Snapshot struct {
	Filename   string           `json:"filename"`
	Code       string           `json:"code"`
	Operations []wire.Operation `json:"operations"`
	Files      VirtualFiles     `json:"files,omitempty"`
}

// LoadSnapshot decodes a JSON snapshot.
func LoadSnapshot(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Files == nil {
		snap.Files = VirtualFiles{}
	}
	return &snap, nil
}

// LoadSnapshotFile reads a JSON snapshot from a file.
func LoadSnapshotFile(name string) (*Snapshot, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadSnapshot(f)
}

// Producer replays the snapshot operations into a transport.
func (s *Snapshot) Producer() transport.Producer {
	return func(emit func([]byte)) {
		for _, op := range s.Operations {
			frame, err := op.Encode()
			if err != nil {
				logger.Warnf("static: skipping %s: %v", op.Op, err)
				continue
			}
			emit(frame)
		}
	}
}

// Transport returns an open in-process transport fed by the snapshot.
func (s *Snapshot) Transport() *transport.Static {
	return transport.NewStaticWithProducer(s.Producer())
}

// Requests serves the read-only part of the operation surface from a
// snapshot. Anything that would change or execute the notebook fails with
// requests.ErrNotSupported.
type Requests struct {
	requests.Unsupported
	snap *Snapshot
}

var _ requests.Requests = (*Requests)(nil)

// NewRequests returns the frozen operation surface for snap.
func NewRequests(snap *Snapshot) *Requests {
	return &Requests{snap: snap}
}

// SendInstantiate is accepted so a UI can complete its startup handshake.
func (r *Requests) SendInstantiate(context.Context, wire.InstantiateRequest) error {
	return nil
}

// SendComponentValues is accepted and ignored; there is no kernel to react.
func (r *Requests) SendComponentValues(context.Context, wire.SetUIElementValueRequest) error {
	logger.Debugf("static: ignoring UI element update in a frozen notebook")
	return nil
}

func (r *Requests) ReadCode(context.Context) (wire.ReadCodeResponse, error) {
	return wire.ReadCodeResponse{Contents: r.snap.Code}, nil
}

func (r *Requests) GetPackageList(context.Context) (wire.ListPackagesResponse, error) {
	return wire.ListPackagesResponse{Packages: []wire.PackageDescription{}}, nil
}

// SendFileDetails serves virtual files.
func (r *Requests) SendFileDetails(_ context.Context, req wire.FileDetailsRequest) (wire.FileDetailsResponse, error) {
	data, mime, err := r.snap.Files.Fetch(req.Path)
	if err != nil {
		return wire.FileDetailsResponse{}, err
	}
	contents := string(data)
	return wire.FileDetailsResponse{
		File:     wire.FileInfo{ID: req.Path, Path: req.Path, Name: path.Base(req.Path)},
		Contents: &contents,
		MimeType: mime,
	}, nil
}
