package anthropic

import (
	"context"
	"errors"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/fieldlab/missionctl/internal/model"
	"github.com/fieldlab/missionctl/internal/modelprovider"
)

// streamer adapts an Anthropic Messages streaming response to
// modelprovider.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan modelprovider.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	toolByIndex map[int64]*model.ToolCall
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) modelprovider.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:         cctx,
		cancel:      cancel,
		stream:      stream,
		chunks:      make(chan modelprovider.Chunk, 32),
		toolByIndex: make(map[int64]*model.ToolCall),
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (modelprovider.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return modelprovider.Chunk{}, err
		}
		return modelprovider.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return modelprovider.Chunk{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if !s.errSet {
		return nil
	}
	return s.finalErr
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if !s.errSet {
		s.errSet = true
		s.finalErr = err
	}
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil && !errors.Is(err, io.EOF) {
				s.setErr(err)
			}
			return
		}
		event := s.stream.Current()
		s.handleEvent(event)
	}
}

func (s *streamer) handleEvent(event sdk.MessageStreamEventUnion) {
	switch event.Type {
	case "content_block_start":
		if event.ContentBlock.Type == "tool_use" {
			s.toolByIndex[event.Index] = &model.ToolCall{ID: event.ContentBlock.ID, Name: event.ContentBlock.Name}
		}
	case "content_block_delta":
		switch event.Delta.Type {
		case "text_delta":
			s.emit(modelprovider.Chunk{Type: modelprovider.ChunkTypeContentDelta, ContentDelta: event.Delta.Text})
		case "input_json_delta":
			// Partial tool-call argument JSON; the aggregated arguments are
			// surfaced once at content_block_stop instead of incrementally,
			// since downstream consumers need valid JSON, not fragments.
		}
	case "content_block_stop":
		if tc, ok := s.toolByIndex[event.Index]; ok {
			s.emit(modelprovider.Chunk{Type: modelprovider.ChunkTypeToolCall, ToolCall: tc})
			delete(s.toolByIndex, event.Index)
		}
	case "message_delta":
		if event.Delta.StopReason != "" {
			s.emit(modelprovider.Chunk{Type: modelprovider.ChunkTypeUsage, StopReason: string(event.Delta.StopReason), UsageDelta: &modelprovider.TokenUsage{
				OutputTokens: int(event.Usage.OutputTokens),
			}})
		}
	}
}

func (s *streamer) emit(c modelprovider.Chunk) {
	select {
	case s.chunks <- c:
	case <-s.ctx.Done():
	}
}
