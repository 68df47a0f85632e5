package replicate

import (
	"context"
	"fmt"

	"github.com/pfrazee/vitra-sub000/internal/hlog"
)

// Pull imports every record peer has beyond the local length of l and
// returns how many were imported. A peer on a newer fork is re-read from
// the start; a peer behind the local copy is left alone.
func Pull(ctx context.Context, peer Requester, l *hlog.Log) (int, error) {
	if l.Writable() {
		return 0, nil
	}

	pulled := 0
	start := l.Length()

	for {
		resp, err := fetch(ctx, peer, blockRequest{Log: l.PublicKey(), Start: start})
		if err != nil {
			return pulled, err
		}

		local, fork := l.Length(), l.Fork()

		switch {
		case resp.Fork < fork:
			return pulled, nil
		case resp.Fork > fork && resp.Start != 0:
			start = 0
			continue
		case resp.Fork == fork && resp.Length <= local:
			return pulled, nil
		}

		if err := l.PutSigned(resp.Start, resp.Records, resp.Length, resp.Fork, resp.Signature); err != nil {
			return pulled, fmt.Errorf("import [%d, %d) fork %d:\n%w", resp.Start, resp.Length, resp.Fork, err)
		}

		pulled += len(resp.Records)
		start = l.Length()
	}
}

// fetch sends one block request and checks the response belongs to it.
func fetch(ctx context.Context, peer Requester, req blockRequest) (blockResponse, error) {
	req.ID = requestID.Add(1)

	data, err := peer.Request(ctx, encodeRequest(req))
	if err != nil {
		return blockResponse{}, fmt.Errorf("request blocks:\n%w", err)
	}

	resp, err := decodeResponse(data)
	if err != nil {
		return blockResponse{}, err
	}

	if resp.ID != req.ID {
		return blockResponse{}, fmt.Errorf("request ID mismatch: got %d, want %d:\n%w", resp.ID, req.ID, ErrMalformed)
	}

	if resp.Err != "" {
		return blockResponse{}, fmt.Errorf("%w: %s", ErrRemote, resp.Err)
	}

	if resp.Start+uint64(len(resp.Records)) != resp.Length {
		return blockResponse{}, fmt.Errorf("records [%d, +%d) do not reach length %d:\n%w", resp.Start, len(resp.Records), resp.Length, ErrMalformed)
	}

	return resp, nil
}
