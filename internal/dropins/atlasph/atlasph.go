// Package atlasph is the drop-in for the Atlas Scientific EZO pH circuit.
package atlasph

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ancs/internal/telemetry"
	"ancs/pkg/dropin"
)

const (
	ID      = "atlas_ph"
	Route   = "ph"
	Version = "0.0.1"

	DefaultBus     = 1
	DefaultAddress = 0x63

	// ErrorValue is published when the circuit fails a reading.
	ErrorValue = -99.9

	sensorType = "pH"

	// maxExportLines bounds the Export round trips a single calibration
	// dump may announce. The circuit exports about ten.
	maxExportLines = 64
)

func init() {
	dropin.MustRegister(dropin.Entry{
		Name:        "atlas_ph",
		Description: "Atlas Scientific EZO pH circuit",
		Priority:    dropin.PriorityDefault,
		Factory: func(ctx *dropin.Context) (dropin.DropIn, error) {
			return New(ctx, Options{})
		},
	})
}

var validate = validator.New()

// Options overrides the hardware access of the drop-in.
type Options struct {
	// Connect defaults to the periph.io connector.
	Connect dropin.Connect[Querier]
	Now     func() time.Time
}

// DropIn polls the pH every periodic call and exposes the circuit's device
// information and calibration over its route.
type DropIn struct {
	*dropin.Base
	device *dropin.Device[Querier]

	sensorType string
	firmware   string
}

// New connects to the circuit and reads its device information.
func New(ctx *dropin.Context, opts Options) (*DropIn, error) {
	if opts.Connect == nil {
		opts.Connect = Connect
	}

	device, err := dropin.NewDevice(ctx.Settings.BusOr(DefaultBus), ctx.Settings.AddressOr(DefaultAddress), opts.Connect)
	if err != nil {
		return nil, err
	}

	d := &DropIn{device: device, sensorType: sensorType}

	info, err := d.query(context.Background(), "I")
	if err != nil {
		return nil, multierr.Append(errors.Wrap(err, "query device information"), device.Close())
	}
	if devType, firmware, ok := parseInfo(info); ok {
		d.sensorType, d.firmware = devType, firmware
	} else {
		ctx.Logger.Warn("Could not retrieve sensor type, unstable system",
			zap.Int("code", info.Code),
			zap.String("response", info.Data))
	}

	d.Base, err = dropin.NewBase(ctx.Logger, ctx.Registerer, dropin.BaseOptions{
		ID:     ID,
		Label:  Route,
		Gauges: []telemetry.Gauge{{Name: "ph", Help: "pH"}},
		Info: map[string]string{
			"version":         Version,
			"id":              ID,
			"rule":            Route,
			"sensor_firmware": d.firmware,
			"capabilities":    "ph, settings, api",
		},
		Now: opts.Now,
	})
	if err != nil {
		return nil, multierr.Append(err, device.Close())
	}

	d.MarkReady()
	return d, nil
}

// Identity describes the drop-in.
func (d *DropIn) Identity() (dropin.Identity, error) {
	return dropin.Identity{
		ID:           ID,
		Version:      Version,
		Capabilities: dropin.Capabilities{Periodic: true, Handler: true},
		Route:        Route,
		Verbs:        []string{"GET", "POST"},
	}, nil
}

// Firmware returns the firmware version reported at startup.
func (d *DropIn) Firmware() string { return d.firmware }

// PeriodicCall reads the pH once. A reading the circuit rejects is published
// as ErrorValue.
func (d *DropIn) PeriodicCall(ctx context.Context) error {
	d.Logger.Debug("Running periodic upkeep", zap.String("drop_in", ID))
	return d.Measure(ctx, func(ctx context.Context) (map[string]float64, error) {
		reply, err := d.query(ctx, "R")
		if err != nil {
			return nil, err
		}
		ph, err := strconv.ParseFloat(strings.TrimSpace(reply.Data), 64)
		if !reply.OK() || err != nil {
			d.Logger.Warn("pH reading failed",
				zap.Int("code", reply.Code),
				zap.String("response", reply.Data))
			return map[string]float64{"ph": ErrorValue}, nil
		}
		return map[string]float64{"ph": math.Round(ph*100) / 100}, nil
	})
}

// HandleRequest serves:
//
//	GET  device            device type and firmware
//	GET  calibration       calibration state
//	POST calibration       set or clear a calibration point
//	GET  calibration/data  exported calibration
func (d *DropIn) HandleRequest(ctx context.Context, req *dropin.Request) (*dropin.Response, error) {
	switch {
	case req.Method == http.MethodGet && req.Path == "device":
		return d.getDevice(ctx)
	case req.Method == http.MethodGet && req.Path == "calibration":
		return d.getCalibration(ctx)
	case req.Method == http.MethodPost && req.Path == "calibration":
		return d.postCalibration(ctx, req)
	case req.Method == http.MethodGet && req.Path == "calibration/data":
		return d.getCalibrationData(ctx)
	default:
		return nil, errors.Wrapf(dropin.ErrUnsupportedRequest, "%s /%s/%s", req.Method, Route, req.Path)
	}
}

// Close releases the circuit.
func (d *DropIn) Close() error {
	return d.device.Close()
}

func (d *DropIn) query(ctx context.Context, command string) (Reply, error) {
	var reply Reply
	err := d.device.Use(func(q Querier) error {
		var err error
		reply, err = q.Query(ctx, command)
		return err
	})
	return reply, err
}

// DeviceInfo is the body of GET device.
type DeviceInfo struct {
	RetCode         int    `json:"ret_code"`
	Raw             string `json:"raw"`
	DeviceType      string `json:"device_type"`
	FirmwareVersion string `json:"firmware_version"`
}

func (d *DropIn) getDevice(ctx context.Context) (*dropin.Response, error) {
	reply, err := d.query(ctx, "I")
	if err != nil {
		return nil, err
	}
	info := DeviceInfo{RetCode: reply.Code, Raw: reply.Data, DeviceType: "N/A", FirmwareVersion: "N/A"}
	if devType, firmware, ok := parseInfo(reply); ok {
		info.DeviceType, info.FirmwareVersion = devType, firmware
	}
	return dropin.OK(info), nil
}

// parseInfo splits a "?I,pH,1.98" reply.
func parseInfo(reply Reply) (devType, firmware string, ok bool) {
	if !reply.OK() {
		return "", "", false
	}
	parts := strings.Split(reply.Data, ",")
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// CalibrationState is the body of GET calibration.
type CalibrationState struct {
	RetCode      int    `json:"ret_code"`
	Raw          string `json:"raw"`
	IsCalibrated bool   `json:"is_calibrated"`
	CalPoints    *int   `json:"cal_points"`
}

func (d *DropIn) getCalibration(ctx context.Context) (*dropin.Response, error) {
	reply, err := d.query(ctx, "Cal,?")
	if err != nil {
		return nil, err
	}
	state := CalibrationState{
		RetCode:      reply.Code,
		Raw:          reply.Data,
		IsCalibrated: reply.OK() && !strings.EqualFold(reply.Data, "?CAL,0"),
	}
	if reply.OK() && reply.Data != "" {
		if n, err := strconv.Atoi(reply.Data[len(reply.Data)-1:]); err == nil {
			state.CalPoints = &n
		}
	}
	return dropin.OK(state), nil
}

// CalibrationPoint is the body of POST calibration.
type CalibrationPoint struct {
	Point string  `json:"point" validate:"required,oneof=mid low high clear"`
	Value float64 `json:"value" validate:"required_unless=Point clear,gte=0,lte=14"`
}

// Command returns the EZO command setting the point.
func (p CalibrationPoint) Command() string {
	if p.Point == "clear" {
		return "Cal,clear"
	}
	return fmt.Sprintf("Cal,%s,%.2f", p.Point, p.Value)
}

// CalibrationResult is the body of a POST calibration reply.
type CalibrationResult struct {
	RetCode int    `json:"ret_code"`
	Command string `json:"command"`
	Success bool   `json:"success"`
}

func (d *DropIn) postCalibration(ctx context.Context, req *dropin.Request) (*dropin.Response, error) {
	var point CalibrationPoint
	if err := req.Decode(&point); err != nil {
		return nil, err
	}
	if err := validate.Struct(point); err != nil {
		return nil, dropin.BadRequest(err, "calibration point")
	}

	cmd := point.Command()
	reply, err := d.query(ctx, cmd)
	if err != nil {
		return nil, err
	}
	d.Logger.Info("Calibration point sent",
		zap.String("command", cmd),
		zap.Int("code", reply.Code))

	return dropin.OK(CalibrationResult{RetCode: reply.Code, Command: cmd, Success: reply.OK()}), nil
}

// CalibrationData is the body of GET calibration/data.
type CalibrationData struct {
	RetCode    int    `json:"ret_code"`
	Raw        string `json:"raw"`
	LinesCount int    `json:"lines_count"`
	BytesCount int    `json:"bytes_count"`
}

func (d *DropIn) getCalibrationData(ctx context.Context) (*dropin.Response, error) {
	reply, err := d.query(ctx, "Export,?")
	if err != nil {
		return nil, err
	}
	lines, size, err := parseExportHeader(reply)
	if err != nil {
		return nil, err
	}

	var data strings.Builder
	for i := 0; i < lines; i++ {
		chunk, err := d.query(ctx, "Export")
		if err != nil {
			return nil, err
		}
		if !chunk.OK() {
			return nil, errors.Newf("export line %d: response code %d", i+1, chunk.Code)
		}
		data.WriteString(chunk.Data)
	}

	return dropin.OK(CalibrationData{
		RetCode:    0,
		Raw:        data.String(),
		LinesCount: lines,
		BytesCount: size,
	}), nil
}

// parseExportHeader splits a "?EXPORT,10,120" reply into lines and bytes.
func parseExportHeader(reply Reply) (lines, size int, err error) {
	if !reply.OK() {
		return 0, 0, errors.Newf("export header: response code %d", reply.Code)
	}
	parts := strings.Split(reply.Data, ",")
	if len(parts) < 2 {
		return 0, 0, errors.Newf("export header: malformed %q", reply.Data)
	}
	lines, err = strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "export header %q", reply.Data)
	}
	size, err = strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "export header %q", reply.Data)
	}
	if lines < 0 || lines > maxExportLines {
		return 0, 0, errors.Newf("export header %q: %d lines outside 0..%d", reply.Data, lines, maxExportLines)
	}
	if size < 0 {
		return 0, 0, errors.Newf("export header %q: negative size", reply.Data)
	}
	return lines, size, nil
}
