package replicate

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/logger"
	"github.com/pfrazee/vitra-sub000/internal/metrics"
)

const (
	// defaultBatchSize caps the records returned per request.
	defaultBatchSize = 1024

	// maxBatchBytes bounds the decompressed size of one response.
	maxBatchBytes = 64 << 20
)

// Server answers block requests from the logs of a store.
type Server struct {
	logs      *hlog.Store
	metrics   *metrics.Replication
	log       *slog.Logger
	batchSize uint64
}

// NewServer creates a server over logs. m may be nil.
func NewServer(logs *hlog.Store, m *metrics.Replication) *Server {
	return &Server{
		logs:      logs,
		metrics:   m,
		log:       logger.Module("replicate"),
		batchSize: defaultBatchSize,
	}
}

// Handle decodes a BlockRequest and returns the encoded BlockResponse.
// Failures to read the log are reported inside the response.
func (s *Server) Handle(data []byte) ([]byte, error) {
	req, err := decodeRequest(data)
	if err != nil {
		return nil, err
	}

	resp, err := s.serve(req)
	if err != nil {
		s.log.Debug("block request failed", "log", req.Log.Hex()[:8], "start", req.Start, "error", err)
		resp = blockResponse{ID: req.ID, Err: err.Error()}
	}

	return encodeResponse(resp)
}

// serve reads the records and signature answering req.
func (s *Server) serve(req blockRequest) (blockResponse, error) {
	l, err := s.logs.Open(req.Log)
	if err != nil {
		return blockResponse{}, err
	}

	length := l.Length()
	resp := blockResponse{ID: req.ID, Fork: l.Fork()}

	if req.Start >= length {
		resp.Start = length
		resp.Length = length
		resp.Signature, err = s.signature(l, length)

		return resp, err
	}

	end := length
	if req.End != 0 && req.End > req.Start && req.End < end {
		end = req.End
	}
	if end-req.Start > s.batchSize {
		end = req.Start + s.batchSize
	}

	sig, err := l.SignatureAt(end)
	if errors.Is(err, hlog.ErrNoSignature) {
		// replicas only hold signatures at the lengths they imported
		end = length
		sig, err = l.SignatureAt(end)
	}
	if err != nil {
		return blockResponse{}, err
	}

	records := make([][]byte, 0, end-req.Start)

	for seq := req.Start; seq < end; seq++ {
		rec, err := l.Get(seq)
		if err != nil {
			return blockResponse{}, fmt.Errorf("read record %d:\n%w", seq, err)
		}

		records = append(records, rec)
	}

	resp.Start = req.Start
	resp.Length = end
	resp.Signature = sig
	resp.Records = records

	s.metrics.RecordServed(len(records))

	return resp, nil
}

// signature returns the signature at length, or nil for an empty unsigned replica.
func (s *Server) signature(l *hlog.Log, length uint64) ([]byte, error) {
	sig, err := l.SignatureAt(length)
	if errors.Is(err, hlog.ErrNoSignature) && length == 0 {
		return nil, nil
	}

	return sig, err
}
