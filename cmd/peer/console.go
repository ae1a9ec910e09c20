package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/utils"
	"peerlink/pkg/validation"
)

// maxShownText bounds how much of a chat line is echoed to the terminal.
const maxShownText = 2000

// console prints registry events to a terminal. Like every ports.Observer
// it runs on the event loop, so it keeps no locks.
type console struct {
	out         io.Writer
	downloadDir string
	logger      *zap.SugaredLogger

	names map[domain.PeerID]string
}

func newConsole(out io.Writer, downloadDir string, logger *zap.SugaredLogger) *console {
	return &console{
		out:         out,
		downloadDir: downloadDir,
		logger:      logger,
		names:       make(map[domain.PeerID]string),
	}
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) name(id domain.PeerID) string {
	if name, ok := c.names[id]; ok {
		return name
	}
	if id == "" {
		return "peer"
	}
	return string(id)
}

func (c *console) PeerAdded(id domain.PeerID) {
	c.printf("* %s joined", c.name(id))
}

func (c *console) PeerRemoved(id domain.PeerID) {
	c.printf("* %s left", c.name(id))
	delete(c.names, id)
}

func (c *console) ConnectionStateChanged(id domain.PeerID, state domain.ConnectionState) {
	c.printf("* %s: connection %s", c.name(id), state)
}

func (c *console) MediaChanged(id domain.PeerID, tracks []ports.MediaTrack) {
	if len(tracks) == 0 {
		c.printf("* %s: no media", c.name(id))
		return
	}
	kinds := make([]string, 0, len(tracks))
	for _, t := range tracks {
		kinds = append(kinds, t.Kind())
	}
	c.printf("* %s: receiving %s", c.name(id), strings.Join(kinds, "+"))
}

func (c *console) FeatureChanged(id domain.PeerID, key string, value any) {
	if key == domain.FeatureUsername {
		if name, ok := value.(string); ok && validation.ValidateDisplayName(name) == nil {
			old := c.name(id)
			c.names[id] = utils.SanitizeString(name)
			if old != c.names[id] {
				c.printf("* %s is now known as %s", old, c.names[id])
			}
		}
		return
	}
	c.printf("* %s: %s=%v", c.name(id), key, value)
}

func (c *console) ChatAppended(entry domain.ChatEntry) {
	from := "me"
	if !entry.Self {
		from = c.name(entry.Peer)
	}
	when := utils.FormatMillis(entry.Timestamp)

	if entry.File != nil {
		c.printf("[%s] %s: <%s %s, %s>", when, from, entry.File.Kind, entry.File.Name, utils.FormatBytes(entry.File.Size))
		return
	}
	c.printf("[%s] %s: %s", when, from, utils.TruncateString(utils.SanitizeString(entry.Text), maxShownText))
}

func (c *console) ChatUpdated(entry domain.ChatEntry) {
	if !entry.Self || !entry.Delivered {
		return
	}
	status := "delivered"
	if entry.Delayed {
		status = "delivered (delayed)"
	}
	c.printf("[%s] %s", utils.FormatMillis(entry.Timestamp), status)
}

// FileReceived saves a completed transfer into the download directory.
func (c *console) FileReceived(id domain.PeerID, metadata domain.FileMetadata, data []byte) {
	if c.downloadDir == "" {
		return
	}
	if err := validation.ValidateFileName(metadata.Name); err != nil {
		c.logger.Warnw("Refusing to save received file", "peer_id", id, "name", metadata.Name, "error", err)
		return
	}

	path := filepath.Join(c.downloadDir, metadata.Name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.logger.Errorw("Failed to save received file", "path", path, "error", err)
		return
	}
	c.printf("* saved %s (%s)", path, utils.FormatBytes(int64(len(data))))
}

func (c *console) FilterApplied(id domain.PeerID, filter string) {
	c.printf("* %s: video filter %s", c.name(id), filter)
}

func (c *console) PeerError(id domain.PeerID, err error) {
	c.logger.Warnw("Peer error", "peer_id", id, "error", err)
}
