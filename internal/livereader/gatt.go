package livereader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		// Wrap Bluetooth state errors with clearer messages
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") { // StatePoweredOff
				return nil, fmt.Errorf("Bluetooth is turned off - please enable Bluetooth and retry")
			}
			return nil, fmt.Errorf("Bluetooth is not ready - %w", err)
		}
		return nil, err
	}
	return dev, nil
}

var batteryService = ble.UUID16(0x180f)

// BLEDialer is the production Dialer backed by the platform protocol stack.
// The underlying device is created lazily on first use and shared by every
// subsequent dial and scan.
type BLEDialer struct {
	logger *logrus.Logger

	initMu      sync.Mutex
	initialized bool
}

// NewBLEDialer returns a dialer over the platform protocol stack.
func NewBLEDialer(logger *logrus.Logger) *BLEDialer {
	if logger == nil {
		logger = logrus.New()
	}
	return &BLEDialer{logger: logger}
}

// ensureDevice initializes the shared device on first use. Only success is
// latched: a failed creation (typically Bluetooth powered off) is retried
// on the next call, so a long-running daemon recovers once the radio comes
// back instead of failing every batch until restart.
func (d *BLEDialer) ensureDevice() error {
	d.initMu.Lock()
	defer d.initMu.Unlock()
	if d.initialized {
		return nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		d.logger.WithError(err).Debug("BLE device creation failed")
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	d.initialized = true
	return nil
}

// Dial connects to the peripheral with the given platform identifier.
func (d *BLEDialer) Dial(ctx context.Context, platformID string) (Peripheral, error) {
	if err := d.ensureDevice(); err != nil {
		return nil, err
	}
	client, err := ble.Dial(ctx, ble.NewAddr(platformID))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to peripheral %q: %w", platformID, err)
	}
	return &blePeripheral{client: client}, nil
}

// Scan reports peripherals advertising the battery service until the
// context ends. Context expiry is a normal completion, not an error.
func (d *BLEDialer) Scan(ctx context.Context, found func(ScanMatch)) error {
	if err := d.ensureDevice(); err != nil {
		return err
	}

	handler := func(adv ble.Advertisement) {
		found(ScanMatch{
			PlatformID: adv.Addr().String(),
			Name:       adv.LocalName(),
			Address:    adv.Addr().String(),
		})
	}
	filter := func(adv ble.Advertisement) bool {
		for _, svc := range adv.Services() {
			if svc.Equal(batteryService) {
				return true
			}
		}
		return false
	}

	err := ble.Scan(ctx, true, handler, filter)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

type blePeripheral struct {
	client ble.Client
}

func (p *blePeripheral) DiscoverService(uuid string) (Service, error) {
	u, err := ble.Parse(uuid)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", uuid, err)
	}
	services, err := p.client.DiscoverServices([]ble.UUID{u})
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("service %q not found", uuid)
	}
	return &bleService{client: p.client, svc: services[0]}, nil
}

func (p *blePeripheral) Close() error {
	return p.client.CancelConnection()
}

type bleService struct {
	client ble.Client
	svc    *ble.Service
}

func (s *bleService) DiscoverCharacteristic(uuid string) (Characteristic, error) {
	u, err := ble.Parse(uuid)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", uuid, err)
	}
	chars, err := s.client.DiscoverCharacteristics([]ble.UUID{u}, s.svc)
	if err != nil {
		return nil, fmt.Errorf("failed to discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("characteristic %q not found in service %q", uuid, s.svc.UUID)
	}
	return &bleCharacteristic{client: s.client, char: chars[0]}, nil
}

type bleCharacteristic struct {
	client ble.Client
	char   *ble.Characteristic
}

func (c *bleCharacteristic) Read() ([]byte, error) {
	data, err := c.client.ReadCharacteristic(c.char)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic: %w", err)
	}
	return data, nil
}
