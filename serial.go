package sdp

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// SerialPort is a Port over a real UART device, 8N1.
type SerialPort struct {
	device string
	port   serial.Port

	stopChan   chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
	mu         sync.Mutex
	subscribed bool
}

// OpenSerialPort opens device at the given baud rate.
func OpenSerialPort(conf *SerialConfig) (*SerialPort, error) {
	if conf == nil || conf.Device == "" || conf.Baud <= 0 {
		return nil, ErrIllegalArgument
	}
	mode := &serial.Mode{
		BaudRate: conf.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(conf.Device, mode)
	if err != nil {
		return nil, err
	}
	// short read timeout so the read loop can observe Close
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, err
	}
	log.Infof("[SERIAL][%v] opened at %v baud", conf.Device, conf.Baud)
	return &SerialPort{
		device:   conf.Device,
		port:     port,
		stopChan: make(chan struct{}),
	}, nil
}

// TransmitByte writes one byte to the device, blocking until the driver
// accepts it.
func (s *SerialPort) TransmitByte(b byte) error {
	var buf [1]byte
	buf[0] = b
	n, err := s.port.Write(buf[:])
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrTxTimeout
	}
	return nil
}

// Subscribe starts the read loop delivering device bytes to handler one
// at a time.
func (s *SerialPort) Subscribe(handler ByteHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribed {
		return
	}
	s.subscribed = true
	s.wg.Add(1)
	go s.readLoop(handler)
}

func (s *SerialPort) readLoop(handler ByteHandler) {
	defer s.wg.Done()
	buf := make([]byte, 64)
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}
		n, err := s.port.Read(buf)
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			log.Errorf("[SERIAL][%v] read failed : %v", s.device, err)
			return
		}
		for _, b := range buf[:n] {
			handler.ReceiveByte(b)
		}
	}
}

// Close stops the read loop and closes the device.
func (s *SerialPort) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopChan)
		err = s.port.Close()
		s.wg.Wait()
	})
	return err
}
