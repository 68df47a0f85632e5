// Package replicate copies authenticated logs between hosts. A host serves
// the records and signed roots of the logs it stores; peers import them as
// read-only replicas that verify exactly like the writer's copy.
package replicate

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"

	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/types"
)

var (
	// ErrMalformed is returned for messages that do not decode.
	ErrMalformed = errors.New("malformed replication message")

	// ErrRemote wraps an error reported by the serving peer.
	ErrRemote = errors.New("remote error")
)

// requestID is a process-wide counter for block requests.
var requestID atomic.Uint64

// Requester can send requests and receive responses.
type Requester interface {
	Request(ctx context.Context, data []byte) ([]byte, error)
}

// blockRequest asks for records [Start, End) of a log. End 0 means the head.
type blockRequest struct {
	ID    uint64
	Log   hlog.PublicKey
	Start uint64
	End   uint64
}

// blockResponse carries records [Start, Length) and the signature over
// the root at Length under Fork.
type blockResponse struct {
	ID        uint64
	Length    uint64
	Fork      uint64
	Signature []byte
	Start     uint64
	Records   [][]byte
	Err       string
}

// have announces the signed head of a log.
type have struct {
	Log    hlog.PublicKey
	Length uint64
	Fork   uint64
}

// encodeRequest builds a FlatBuffers BlockRequest.
func encodeRequest(req blockRequest) []byte {
	b := flatbuffers.NewBuilder(96)

	logOff := b.CreateByteVector(req.Log[:])

	types.BlockRequestStart(b)
	types.BlockRequestAddRequestId(b, req.ID)
	types.BlockRequestAddLog(b, logOff)
	types.BlockRequestAddStart(b, req.Start)
	types.BlockRequestAddEnd(b, req.End)
	b.Finish(types.BlockRequestEnd(b))

	return b.FinishedBytes()
}

// decodeRequest parses a BlockRequest.
func decodeRequest(data []byte) (req blockRequest, err error) {
	defer recoverMalformed(&err)

	if len(data) < 8 {
		return req, ErrMalformed
	}

	fb := types.GetRootAsBlockRequest(data, 0)

	if fb.LogLength() != len(req.Log) {
		return req, fmt.Errorf("log key of %d bytes:\n%w", fb.LogLength(), ErrMalformed)
	}

	copy(req.Log[:], fb.LogBytes())
	req.ID = fb.RequestId()
	req.Start = fb.Start()
	req.End = fb.End()

	return req, nil
}

// encodeResponse builds a FlatBuffers BlockResponse with compressed records.
func encodeResponse(resp blockResponse) ([]byte, error) {
	var blocks []byte

	if len(resp.Records) > 0 {
		var err error
		if blocks, err = compressRecords(resp.Records); err != nil {
			return nil, err
		}
	}

	b := flatbuffers.NewBuilder(len(blocks) + len(resp.Signature) + 128)

	var sigOff, blocksOff, errOff flatbuffers.UOffsetT

	if resp.Signature != nil {
		sigOff = b.CreateByteVector(resp.Signature)
	}
	if blocks != nil {
		blocksOff = b.CreateByteVector(blocks)
	}
	if resp.Err != "" {
		errOff = b.CreateString(resp.Err)
	}

	types.BlockResponseStart(b)
	types.BlockResponseAddRequestId(b, resp.ID)
	types.BlockResponseAddLength(b, resp.Length)
	types.BlockResponseAddFork(b, resp.Fork)
	if sigOff != 0 {
		types.BlockResponseAddSignature(b, sigOff)
	}
	types.BlockResponseAddStart(b, resp.Start)
	if blocksOff != 0 {
		types.BlockResponseAddBlocks(b, blocksOff)
	}
	if errOff != 0 {
		types.BlockResponseAddError(b, errOff)
	}
	b.Finish(types.BlockResponseEnd(b))

	return b.FinishedBytes(), nil
}

// decodeResponse parses a BlockResponse and decompresses its records.
func decodeResponse(data []byte) (resp blockResponse, err error) {
	defer recoverMalformed(&err)

	if len(data) < 8 {
		return resp, ErrMalformed
	}

	fb := types.GetRootAsBlockResponse(data, 0)

	resp.ID = fb.RequestId()
	resp.Length = fb.Length()
	resp.Fork = fb.Fork()
	resp.Start = fb.Start()
	resp.Err = string(fb.Error())

	if sig := fb.SignatureBytes(); sig != nil {
		resp.Signature = append([]byte(nil), sig...)
	}

	if blocks := fb.BlocksBytes(); len(blocks) > 0 {
		if resp.Records, err = decompressRecords(blocks); err != nil {
			return resp, err
		}
	}

	return resp, nil
}

// encodeHave builds a FlatBuffers Have announcement.
func encodeHave(h have) []byte {
	b := flatbuffers.NewBuilder(80)

	logOff := b.CreateByteVector(h.Log[:])

	types.HaveStart(b)
	types.HaveAddLog(b, logOff)
	types.HaveAddLength(b, h.Length)
	types.HaveAddFork(b, h.Fork)
	b.Finish(types.HaveEnd(b))

	return b.FinishedBytes()
}

// decodeHave parses a Have announcement.
func decodeHave(data []byte) (h have, err error) {
	defer recoverMalformed(&err)

	if len(data) < 8 {
		return h, ErrMalformed
	}

	fb := types.GetRootAsHave(data, 0)

	if fb.LogLength() != len(h.Log) {
		return h, ErrMalformed
	}

	copy(h.Log[:], fb.LogBytes())
	h.Length = fb.Length()
	h.Fork = fb.Fork()

	return h, nil
}

// recoverMalformed turns a FlatBuffers out-of-range panic into ErrMalformed.
func recoverMalformed(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%v:\n%w", r, ErrMalformed)
	}
}

// compressRecords frames records with uvarint lengths and compresses them with zstd.
func compressRecords(records [][]byte) ([]byte, error) {
	size := 0
	for _, r := range records {
		size += binary.MaxVarintLen64 + len(r)
	}

	framed := make([]byte, 0, size)
	for _, r := range records {
		framed = binary.AppendUvarint(framed, uint64(len(r)))
		framed = append(framed, r...)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(framed, nil), nil
}

// decompressRecords reverses compressRecords.
func decompressRecords(data []byte) ([][]byte, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBatchBytes))
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	framed, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blocks:\n%w", err)
	}

	var records [][]byte

	for len(framed) > 0 {
		n, k := binary.Uvarint(framed)
		if k <= 0 || n > uint64(len(framed)-k) {
			return nil, fmt.Errorf("truncated block frame:\n%w", ErrMalformed)
		}

		framed = framed[k:]
		records = append(records, framed[:n:n])
		framed = framed[n:]
	}

	return records, nil
}
