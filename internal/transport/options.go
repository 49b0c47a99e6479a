package transport

import (
	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// OptionsFromConfig maps the shared configuration onto connection options.
func OptionsFromConfig(cfg *config.Config, codec *protocol.Codec, log util.Logger) Options {
	return Options{
		Codec:             codec,
		ReadBufferSize:    cfg.DownloadBufferSize,
		MaxBufferSize:     cfg.MaxBufferSize,
		SegmentSize:       cfg.SegmentSize,
		SendQueueSize:     cfg.SendQueueSize,
		KeepaliveInterval: cfg.GetKeepaliveInterval(),
		Log:               log,
		LogSend:           cfg.Log.Send,
		LogReceive:        cfg.Log.Receive,
	}
}
