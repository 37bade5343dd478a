package sdp

import (
	"time"

	"gopkg.in/ini.v1"
)

// NodeConfig gathers the construction time parameters of a node. Zero
// valued mode, timeout, retransmit and buffer fields fall back to the
// package defaults in NewNode; MaxPayload has no default and must be
// within 1..255.
type NodeConfig struct {
	Id         uint8
	MaxPayload int
	Mode       HeaderMode
	// RxMsgTimeout discards a frame whose EOF does not arrive in time
	RxMsgTimeout time.Duration
	// TxMsgTimeout bounds the transmission of one whole frame
	TxMsgTimeout time.Duration
	// ResponseTimeout bounds the wait for the peer's response
	ResponseTimeout time.Duration
	// Retransmit is the number of SendData attempts
	Retransmit int
	// RxBufferFrames sizes the receive ring buffer in worst case frames
	RxBufferFrames int
}

// DefaultNodeConfig returns a config with the default timings and
// retransmission count.
func DefaultNodeConfig(id uint8, maxPayload int) *NodeConfig {
	return &NodeConfig{
		Id:              id,
		MaxPayload:      maxPayload,
		Mode:            HalfDuplex,
		RxMsgTimeout:    DefaultRxMsgTimeout,
		TxMsgTimeout:    DefaultTxMsgTimeout,
		ResponseTimeout: DefaultResponseTimeout,
		Retransmit:      DefaultRetransmit,
		RxBufferFrames:  DefaultRxBufferFrames,
	}
}

// SerialConfig describes the serial device a node talks through.
type SerialConfig struct {
	Device string
	Baud   int
}

// Config is a full node profile as loaded from an INI file.
type Config struct {
	Node   NodeConfig
	Serial SerialConfig
}

// LoadConfig reads a node profile from an INI file or from raw bytes.
// Expected layout :
//
//	[node]
//	id = 1
//	max_payload = 8
//	mode = half-duplex        ; or full-duplex
//	rx_msg_timeout = 300      ; ms
//	tx_msg_timeout = 300      ; ms
//	response_timeout = 300    ; ms
//	retransmit = 2
//	rx_buffer_frames = 3
//
//	[serial]
//	device = /dev/ttyUSB0
//	baud = 115200
//
// Missing keys take the package defaults.
func LoadConfig(filePathOrData any) (*Config, error) {
	file, err := ini.Load(filePathOrData)
	if err != nil {
		return nil, err
	}
	nodeSec := file.Section("node")
	conf := &Config{}
	conf.Node = *DefaultNodeConfig(
		uint8(nodeSec.Key("id").MustInt(1)),
		nodeSec.Key("max_payload").MustInt(8),
	)
	if nodeSec.Key("mode").In("half-duplex", []string{"half-duplex", "full-duplex"}) == "full-duplex" {
		conf.Node.Mode = FullDuplex
	}
	conf.Node.RxMsgTimeout = time.Duration(nodeSec.Key("rx_msg_timeout").MustInt(300)) * time.Millisecond
	conf.Node.TxMsgTimeout = time.Duration(nodeSec.Key("tx_msg_timeout").MustInt(300)) * time.Millisecond
	conf.Node.ResponseTimeout = time.Duration(nodeSec.Key("response_timeout").MustInt(300)) * time.Millisecond
	conf.Node.Retransmit = nodeSec.Key("retransmit").MustInt(DefaultRetransmit)
	conf.Node.RxBufferFrames = nodeSec.Key("rx_buffer_frames").MustInt(DefaultRxBufferFrames)
	if conf.Node.MaxPayload < 1 || conf.Node.MaxPayload > 255 {
		return nil, ErrIllegalArgument
	}

	serialSec := file.Section("serial")
	conf.Serial.Device = serialSec.Key("device").MustString("/dev/ttyUSB0")
	conf.Serial.Baud = serialSec.Key("baud").MustInt(115200)
	return conf, nil
}
