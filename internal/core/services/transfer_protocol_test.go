package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

func payload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func metadataFrame(t *testing.T, meta domain.FileMetadata) ports.ChannelMessage {
	t.Helper()
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	return ports.ChannelMessage{IsString: true, Data: data}
}

func TestSplitChunksAndReassemble(t *testing.T) {
	for _, size := range []int{0, 1, ChunkSize, ChunkSize + 1, 10*ChunkSize + 1} {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			data := payload(size)
			chunks := SplitChunks(data, ChunkSize)
			for i, chunk := range chunks {
				if i < len(chunks)-1 {
					assert.Len(t, chunk, ChunkSize)
				}
			}

			r := NewReassembler()
			done, err := r.Accept(metadataFrame(t, domain.FileMetadata{Kind: "file", Name: "blob", Size: int64(size)}))
			require.NoError(t, err)
			assert.Equal(t, size == 0, done)

			for i, chunk := range chunks {
				done, err = r.Accept(ports.ChannelMessage{Data: chunk})
				require.NoError(t, err)
				assert.Equal(t, i == len(chunks)-1, done)
			}

			assert.True(t, done)
			assert.True(t, bytes.Equal(data, r.Bytes()))
			assert.Equal(t, "blob", r.Metadata().Name)
		})
	}
}

func TestReassembler_Overrun(t *testing.T) {
	r := NewReassembler()
	_, err := r.Accept(metadataFrame(t, domain.FileMetadata{Size: 3}))
	require.NoError(t, err)

	_, err = r.Accept(ports.ChannelMessage{Data: []byte("abcd")})
	assert.ErrorIs(t, err, domain.ErrTransferOverrun)
}

func TestReassembler_ExtraFrameAfterCompletion(t *testing.T) {
	r := NewReassembler()
	done, err := r.Accept(metadataFrame(t, domain.FileMetadata{Size: 0}))
	require.NoError(t, err)
	require.True(t, done)

	_, err = r.Accept(ports.ChannelMessage{Data: []byte("x")})
	assert.ErrorIs(t, err, domain.ErrTransferOverrun)
}

func TestReassembler_RequiresMetadataFirst(t *testing.T) {
	r := NewReassembler()
	_, err := r.Accept(ports.ChannelMessage{Data: []byte("raw")})
	assert.Error(t, err)
	assert.Equal(t, domain.FileMetadata{}, r.Metadata())
}

func TestTransfer_SendStreamsChunksAndClosesOnAck(t *testing.T) {
	h := newHarness(t, "me")
	_, err := h.registry.AddPeer("p1", false)
	require.NoError(t, err)
	conn := h.conn(t, "p1")
	chat := conn.channel(ChatChannelLabel)
	chat.open()
	h.loop.RunPending()

	data := payload(2*ChunkSize + 10)
	meta := h.registry.SendFile("image", "cat.png", "image/png", data)

	ch := conn.channel("image-cat.png")
	require.NotNil(t, ch)
	ch.open()

	require.Eventually(t, func() bool {
		return len(ch.sentMessages()) == 4
	}, time.Second, 5*time.Millisecond)

	frames := ch.sentMessages()
	require.True(t, frames[0].IsString)
	var sentMeta domain.FileMetadata
	require.NoError(t, json.Unmarshal(frames[0].Data, &sentMeta))
	assert.Equal(t, meta, sentMeta)

	var got []byte
	for _, f := range frames[1:] {
		assert.False(t, f.IsString)
		got = append(got, f.Data...)
	}
	assert.Equal(t, data, got)

	ch.deliverText(fmt.Sprintf(`{"id":%d,"timestamp":%d}`, meta.Timestamp, meta.Timestamp+15))
	h.loop.RunPending()

	assert.True(t, ch.isClosed())
	require.Len(t, h.observer.updated, 1)
	assert.True(t, h.observer.updated[0].Delivered)
	assert.Equal(t, meta.Name, h.observer.updated[0].File.Name)
}

func TestTransfer_FileQueuedUntilChatOpens(t *testing.T) {
	h := newHarness(t, "me")
	_, err := h.registry.AddPeer("p1", false)
	require.NoError(t, err)
	conn := h.conn(t, "p1")

	h.registry.SendFile("file", "notes.txt", "text/plain", []byte("hi"))
	assert.Nil(t, conn.channel("file-notes.txt"))

	conn.channel(ChatChannelLabel).open()
	h.loop.RunPending()
	assert.NotNil(t, conn.channel("file-notes.txt"))
}

func TestTransfer_ReceiveAcknowledgesOnChannel(t *testing.T) {
	h := newHarness(t, "me")
	_, err := h.registry.AddPeer("p1", false)
	require.NoError(t, err)
	conn := h.conn(t, "p1")

	incoming := newFakeChannel("image-dog.png", ports.ChannelOptions{})
	conn.fire(ports.ConnectionEvent{Kind: ports.EventDataChannel, Channel: incoming})
	h.loop.RunPending()

	data := payload(ChunkSize + 5)
	meta := domain.FileMetadata{Kind: "image", Name: "dog.png", Size: int64(len(data)), Type: "image/png", Timestamp: 777}
	metaJSON, err := json.Marshal(meta)
	require.NoError(t, err)

	incoming.deliverText(string(metaJSON))
	for _, chunk := range SplitChunks(data, ChunkSize) {
		incoming.deliverBinary(chunk)
	}
	h.loop.RunPending()

	assert.Equal(t, data, h.observer.files["dog.png"])
	envs := decodeEnvelopes(t, incoming.sentTexts())
	require.Len(t, envs, 1)
	assert.Equal(t, int64(777), *envs[0].ID)

	require.Len(t, h.observer.appended, 1)
	assert.Equal(t, "dog.png", h.observer.appended[0].File.Name)
}

func TestTransfer_AckFailureQueuesOnChat(t *testing.T) {
	h := newHarness(t, "me")
	_, err := h.registry.AddPeer("p1", false)
	require.NoError(t, err)
	conn := h.conn(t, "p1")

	incoming := newFakeChannel("file-empty.txt", ports.ChannelOptions{})
	incoming.setSendErr(errFake)
	conn.fire(ports.ConnectionEvent{Kind: ports.EventDataChannel, Channel: incoming})
	h.loop.RunPending()

	incoming.deliverText(`{"kind":"file","name":"empty.txt","size":0,"type":"text/plain","timestamp":9}`)
	h.loop.RunPending()

	assert.Contains(t, h.observer.files, "empty.txt")
	s, _ := h.registry.Session("p1")
	require.Equal(t, 1, s.QueueLen())
	queued := s.queue.Peek()[0].Message
	require.NotNil(t, queued.ID)
	assert.Equal(t, int64(9), *queued.ID)
}

func TestTransfer_OverrunClosesChannel(t *testing.T) {
	h := newHarness(t, "me")
	_, err := h.registry.AddPeer("p1", false)
	require.NoError(t, err)
	conn := h.conn(t, "p1")

	incoming := newFakeChannel("file-small.bin", ports.ChannelOptions{})
	conn.fire(ports.ConnectionEvent{Kind: ports.EventDataChannel, Channel: incoming})
	h.loop.RunPending()

	incoming.deliverText(`{"kind":"file","name":"small.bin","size":2,"type":"","timestamp":1}`)
	incoming.deliverBinary([]byte("abc"))
	h.loop.RunPending()

	assert.True(t, incoming.isClosed())
	assert.NotContains(t, h.observer.files, "small.bin")
	assert.Empty(t, incoming.sentMessages())
}
