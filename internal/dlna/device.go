// Package dlna implements the client side of the UPnP AVTransport and
// RenderingControl protocols: device description fetch, SCPD-driven SOAP
// action dispatch, and GENA event subscriptions.
package dlna

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strefethen/plex-dlna-bridge/internal/dlna/soap"
	"github.com/strefethen/plex-dlna-bridge/internal/metrics"
)

// ErrNotValidDevice rejects descriptions lacking the AVTransport or
// RenderingControl services, or required identity fields.
var ErrNotValidDevice = errors.New("not a valid dlna renderer")

// ErrorCountToRemove is the number of consecutive connect failures after
// which a device is torn down.
const ErrorCountToRemove = 20

// defaultActionArgs are merged into SOAP calls when the SCPD declares the
// argument but the caller did not supply it.
var defaultActionArgs = map[string]string{
	"InstanceID":         "0",
	"Channel":            "Master",
	"CurrentURIMetaData": "",
	"NextURIMetaData":    "",
	"Unit":               "REL_TIME",
	"Speed":              "1",
}

// Namer resolves the display name for a device (alias lookup).
type Namer interface {
	DeviceName(uuid, name, ip string) string
}

// Service is one UPnP service of a device, with its SCPD cached.
type Service struct {
	Type       string
	ControlURL string
	EventURL   string
	SCPDURL    string

	device *Device
	scpd   *SCPD

	mu              sync.Mutex
	subscribed      bool
	nextSubscribeAt time.Time
}

// Device is a discovered DLNA renderer. Identity is the uuid extracted
// from the description's UDN; equality is by uuid.
type Device struct {
	UUID        string
	Name        string
	Model       string
	IP          string
	LocationURL string

	VolumeMin  int
	VolumeMax  int
	VolumeStep int

	services map[string]*Service
	soap     *soap.Client
	http     *http.Client

	mu               sync.Mutex
	repeatErrorCount int
	connLostFired    bool
	onConnLost       func(*Device)
}

// NewDevice fetches and validates the root description at locationURL and
// primes every service's SCPD.
func NewDevice(ctx context.Context, locationURL string, httpClient *http.Client, soapClient *soap.Client, namer Namer, product string) (*Device, error) {
	doc, err := fetch(ctx, httpClient, locationURL)
	if err != nil {
		return nil, fmt.Errorf("fetch description %s: %w", locationURL, err)
	}
	root, err := parseRootDescription(doc)
	if err != nil {
		return nil, fmt.Errorf("parse description %s: %w", locationURL, err)
	}

	base, err := url.Parse(locationURL)
	if err != nil {
		return nil, err
	}

	d := &Device{
		Name:        root.Device.FriendlyName,
		Model:       product,
		IP:          base.Hostname(),
		LocationURL: locationURL,
		VolumeMin:   0,
		VolumeMax:   100,
		VolumeStep:  1,
		services:    make(map[string]*Service),
		soap:        soapClient,
		http:        httpClient,
	}
	if root.Device.ModelDescription != "" {
		d.Model = root.Device.ModelDescription
	}
	if udn := root.Device.UDN; len(udn) > len("uuid:") {
		d.UUID = udn[len("uuid:"):]
	}
	if d.Name == "" || d.UUID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotValidDevice, locationURL)
	}

	for _, sd := range root.Device.ServiceList.Services {
		d.services[sd.ServiceType] = &Service{
			Type:       sd.ServiceType,
			ControlURL: resolve(base, sd.ControlURL),
			EventURL:   resolve(base, sd.EventSubURL),
			SCPDURL:    resolve(base, sd.SCPDURL),
			device:     d,
		}
	}
	if d.services[AVTransportServiceType] == nil || d.services[RenderingControlServiceType] == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotValidDevice, d.Name)
	}

	if namer != nil {
		d.Name = namer.DeviceName(d.UUID, d.Name, d.IP)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, svc := range d.services {
		svc := svc
		group.Go(func() error {
			return svc.loadSCPD(groupCtx)
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("fetch scpd for %s: %w", d.Name, err)
	}

	if min, max, step, ok := d.services[RenderingControlServiceType].scpd.VolumeRange(); ok && step > 0 && max > min {
		d.VolumeMin, d.VolumeMax, d.VolumeStep = min, max, step
	}

	return d, nil
}

func resolve(base *url.URL, ref string) string {
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}

func fetch(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (s *Service) loadSCPD(ctx context.Context) error {
	doc, err := fetch(ctx, s.device.http, s.SCPDURL)
	if err != nil {
		return err
	}
	scpd, err := parseSCPD(doc)
	if err != nil {
		return err
	}
	s.scpd = scpd
	return nil
}

// Service returns the service with the given type URN, or nil.
func (d *Device) Service(serviceType string) *Service {
	return d.services[serviceType]
}

// serviceForAction locates the service whose SCPD declares the action.
func (d *Device) serviceForAction(action string) *Service {
	for _, svc := range d.services {
		if svc.scpd != nil && svc.scpd.Action(action) != nil {
			return svc
		}
	}
	return nil
}

// Call invokes a SOAP action by name, merging SCPD-declared default
// arguments. A UPnP application error yields a nil Values with no error.
func (d *Device) Call(ctx context.Context, action string, args map[string]string) (soap.Values, error) {
	svc := d.serviceForAction(action)
	if svc == nil {
		return nil, fmt.Errorf("action not found: %s", action)
	}
	return d.call(ctx, svc, action, args)
}

// CallValue invokes an action passing value as its single non-default
// argument, inferring the parameter name from the SCPD.
func (d *Device) CallValue(ctx context.Context, action, value string) (soap.Values, error) {
	svc := d.serviceForAction(action)
	if svc == nil {
		return nil, fmt.Errorf("action not found: %s", action)
	}
	var nonDefault []string
	for _, arg := range svc.scpd.Action(action).ArgumentList.Arguments {
		if arg.Direction == "out" {
			continue
		}
		if _, ok := defaultActionArgs[arg.Name]; !ok {
			nonDefault = append(nonDefault, arg.Name)
		}
	}
	switch len(nonDefault) {
	case 0:
		return d.call(ctx, svc, action, nil)
	case 1:
		return d.call(ctx, svc, action, map[string]string{nonDefault[0]: value})
	default:
		return nil, fmt.Errorf("action %s needs %d arguments, pass them by name", action, len(nonDefault))
	}
}

func (d *Device) call(ctx context.Context, svc *Service, action string, args map[string]string) (soap.Values, error) {
	merged := make(map[string]string, len(args)+2)
	for k, v := range args {
		merged[k] = v
	}
	for _, arg := range svc.scpd.Action(action).ArgumentList.Arguments {
		if arg.Direction == "out" {
			continue
		}
		if _, ok := merged[arg.Name]; ok {
			continue
		}
		if def, ok := defaultActionArgs[arg.Name]; ok {
			merged[arg.Name] = def
		}
	}

	values, err := d.soap.Do(ctx, svc.ControlURL, svc.Type, action, merged)
	if err != nil {
		var rejected *soap.DeviceRejectedError
		if errors.As(err, &rejected) {
			metrics.SOAPActions.WithLabelValues(action, "rejected").Inc()
			log.Printf("DLNA: %s %s rejected: %v", d.Name, action, rejected)
			return nil, nil
		}
		metrics.SOAPActions.WithLabelValues(action, "error").Inc()
		d.noteConnectionError(err)
		return nil, err
	}
	metrics.SOAPActions.WithLabelValues(action, "ok").Inc()

	d.mu.Lock()
	d.repeatErrorCount = 0
	d.mu.Unlock()
	return values, nil
}

// noteConnectionError counts connect-refused failures; at
// ErrorCountToRemove the removal hook fires once.
func (d *Device) noteConnectionError(err error) {
	var unreachable *soap.DeviceUnreachableError
	if !errors.As(err, &unreachable) || !unreachable.Refused {
		return
	}

	d.mu.Lock()
	d.repeatErrorCount++
	count := d.repeatErrorCount
	fire := count >= ErrorCountToRemove && !d.connLostFired && d.onConnLost != nil
	if fire {
		d.connLostFired = true
	}
	hook := d.onConnLost
	d.mu.Unlock()

	if fire {
		log.Printf("DLNA: removing %s after %d connection errors", d.Name, count)
		go hook(d)
	}
}

// OnConnectionLost installs the teardown hook invoked after too many
// consecutive connection errors.
func (d *Device) OnConnectionLost(hook func(*Device)) {
	d.mu.Lock()
	d.onConnLost = hook
	d.mu.Unlock()
}

// RepeatErrorCount reports the current consecutive connection error count.
func (d *Device) RepeatErrorCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.repeatErrorCount
}

func (d *Device) String() string {
	return d.Name
}
