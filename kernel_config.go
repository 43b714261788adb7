package fine

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"
)

// Default negotiation values.
const (
	DefaultMaxBackground = 16
	DefaultTimeGran      = time.Nanosecond
	MaxTimeGran          = time.Second
)

// KernelConfig holds the limits and capabilities negotiated with the kernel
// during INIT. A KernelConfig is created from the kernel's INIT request and
// handed to the filesystem's Init, which may adjust it. Once Init returns,
// the config is frozen into Settings and sent back to the kernel; calling a
// setter after that panics.
//
// KernelConfig isn't safe for concurrent use. It is only ever accessed by
// the goroutine running Init.
type KernelConfig struct {
	version      Version
	capabilities InitFlags
	requested    InitFlags

	maxReadaheadLimit uint32
	maxReadahead      uint32
	maxWriteLimit     uint32
	maxWrite          uint32

	maxBackground       uint16
	congestionThreshold uint16 // 0 means unset
	timeGran            time.Duration

	frozen bool
}

// NewKernelConfig creates a KernelConfig for a connection which negotiated
// version v. capabilities and maxReadahead come from the kernel's INIT
// request and are upper bounds. maxWrite is the largest write the transport
// can receive.
func NewKernelConfig(v Version, capabilities InitFlags, maxReadahead, maxWrite uint32) *KernelConfig {
	if maxWrite == 0 {
		maxWrite = DefaultMaxWrite
	}
	return &KernelConfig{
		version:      v,
		capabilities: capabilities,
		requested:    defaultInitFlags(v, capabilities),

		maxReadaheadLimit: maxReadahead,
		maxReadahead:      maxReadahead,
		maxWriteLimit:     maxWrite,
		maxWrite:          maxWrite,

		maxBackground: DefaultMaxBackground,
		timeGran:      DefaultTimeGran,
	}
}

func (k *KernelConfig) checkMutable() {
	if k.frozen {
		panic("fine: KernelConfig modified after Init returned")
	}
}

// Version returns the negotiated protocol version.
func (k *KernelConfig) Version() Version { return k.version }

// Capabilities returns the capabilities offered by the kernel.
func (k *KernelConfig) Capabilities() InitFlags { return k.capabilities }

// Requested returns the capabilities the filesystem opts into.
func (k *KernelConfig) Requested() InitFlags { return k.requested }

// AddCapabilities requests the capabilities in bits. If any of bits weren't
// offered by the kernel, nothing is requested and a *CapabilityError holding
// the missing bits is returned.
func (k *KernelConfig) AddCapabilities(bits InitFlags) error {
	k.checkMutable()
	if missing := bits &^ k.capabilities; missing != 0 {
		return &CapabilityError{Missing: missing}
	}
	k.requested |= bits
	return nil
}

// MaxWrite returns the maximum size of a single write.
func (k *KernelConfig) MaxWrite() uint32 { return k.maxWrite }

// SetMaxWrite sets the maximum size of a single write and returns the
// previous value. n must be between 1 and the transport's buffer size;
// otherwise a *RangeError with the nearest valid value is returned.
func (k *KernelConfig) SetMaxWrite(n uint32) (uint32, error) {
	k.checkMutable()
	if err := checkRange("max_write", uint64(n), uint64(k.maxWriteLimit)); err != nil {
		return 0, err
	}
	prev := k.maxWrite
	k.maxWrite = n
	return prev, nil
}

// MaxReadahead returns the maximum readahead size.
func (k *KernelConfig) MaxReadahead() uint32 { return k.maxReadahead }

// SetMaxReadahead sets the maximum readahead size and returns the previous
// value. n must be between 1 and the readahead size requested by the kernel;
// otherwise a *RangeError with the nearest valid value is returned.
func (k *KernelConfig) SetMaxReadahead(n uint32) (uint32, error) {
	k.checkMutable()
	if err := checkRange("max_readahead", uint64(n), uint64(k.maxReadaheadLimit)); err != nil {
		return 0, err
	}
	prev := k.maxReadahead
	k.maxReadahead = n
	return prev, nil
}

// MaxBackground returns the maximum number of pending background requests.
func (k *KernelConfig) MaxBackground() uint16 { return k.maxBackground }

// SetMaxBackground sets the maximum number of pending background requests
// and returns the previous value. Requires protocol 7.13.
func (k *KernelConfig) SetMaxBackground(n uint16) (uint16, error) {
	k.checkMutable()
	if err := k.requireMinor("max_background", 13); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, &RangeError{Setting: "max_background", Value: 0, Nearest: 1}
	}
	prev := k.maxBackground
	k.maxBackground = n
	return prev, nil
}

// CongestionThreshold returns the number of background requests at which the
// kernel considers the filesystem congested. If no threshold was set, it is
// 3/4 of MaxBackground. A set threshold never exceeds MaxBackground.
func (k *KernelConfig) CongestionThreshold() uint16 {
	return effectiveCongestion(k.congestionThreshold, k.maxBackground)
}

func effectiveCongestion(set, maxBackground uint16) uint16 {
	if set == 0 {
		return uint16(uint32(maxBackground) * 3 / 4)
	}
	if set > maxBackground {
		return maxBackground
	}
	return set
}

// SetCongestionThreshold sets the congestion threshold and returns the
// previous effective threshold. Requires protocol 7.13.
func (k *KernelConfig) SetCongestionThreshold(n uint16) (uint16, error) {
	k.checkMutable()
	if err := k.requireMinor("congestion_threshold", 13); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, &RangeError{Setting: "congestion_threshold", Value: 0, Nearest: 1}
	}
	prev := k.CongestionThreshold()
	k.congestionThreshold = n
	return prev, nil
}

// TimeGranularity returns the granularity of timestamps the filesystem
// reports.
func (k *KernelConfig) TimeGranularity() time.Duration { return k.timeGran }

// SetTimeGranularity sets the timestamp granularity and returns the previous
// value. d must be a power of ten nanoseconds between 1ns and 1s; otherwise a
// *GranularityError holding the nearest lower valid value is returned.
// Requires protocol 7.23.
func (k *KernelConfig) SetTimeGranularity(d time.Duration) (time.Duration, error) {
	k.checkMutable()
	if err := k.requireMinor("time_gran", 23); err != nil {
		return 0, err
	}
	if nearest, ok := validGranularity(d); !ok {
		return 0, &GranularityError{Value: d, Nearest: nearest}
	}
	prev := k.timeGran
	k.timeGran = d
	return prev, nil
}

// validGranularity reports whether d is a valid granularity. If it isn't,
// the nearest valid value below it is returned.
func validGranularity(d time.Duration) (time.Duration, bool) {
	switch {
	case d <= 0:
		return time.Nanosecond, false
	case d > MaxTimeGran:
		return MaxTimeGran, false
	}
	for power := time.Nanosecond; power < d; power *= 10 {
		if d < power*10 {
			return power, false
		}
	}
	return d, true
}

func (k *KernelConfig) requireMinor(setting string, minor uint32) error {
	if k.version.AtLeast(minor) {
		return nil
	}
	return &VersionError{
		Setting:  setting,
		Required: Version{Major: ProtocolVersion.Major, Minor: minor},
		Actual:   k.version,
	}
}

func checkRange(setting string, n, max uint64) error {
	switch {
	case n == 0:
		return &RangeError{Setting: setting, Value: n, Nearest: 1}
	case n > max:
		return &RangeError{Setting: setting, Value: n, Nearest: max}
	}
	return nil
}

// Freeze ends negotiation, returning the final Settings. The KernelConfig
// may not be modified afterwards.
func (k *KernelConfig) Freeze() Settings {
	k.frozen = true
	return Settings{
		version:             k.version,
		capabilities:        k.capabilities,
		requested:           k.requested,
		maxReadahead:        k.maxReadahead,
		maxWrite:            k.maxWrite,
		maxBackground:       k.maxBackground,
		congestionThreshold: k.CongestionThreshold(),
		timeGran:            k.timeGran,
		maxPages:            maxPages(k.maxWrite, k.maxReadahead, os.Getpagesize()),
	}
}

// maxPages returns the number of pages needed to hold the largest of
// maxWrite and maxReadahead.
func maxPages(maxWrite, maxReadahead uint32, pageSize int) uint16 {
	largest := maxWrite
	if maxReadahead > largest {
		largest = maxReadahead
	}
	if largest == 0 || pageSize <= 0 {
		return 0
	}
	pages := (uint64(largest)-1)/uint64(pageSize) + 1
	if pages > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(pages)
}

// Settings is the frozen result of negotiating a KernelConfig.
type Settings struct {
	version             Version
	capabilities        InitFlags
	requested           InitFlags
	maxReadahead        uint32
	maxWrite            uint32
	maxBackground       uint16
	congestionThreshold uint16
	timeGran            time.Duration
	maxPages            uint16
}

// Version returns the negotiated protocol version.
func (s Settings) Version() Version { return s.version }

// Capabilities returns the capabilities offered by the kernel.
func (s Settings) Capabilities() InitFlags { return s.capabilities }

// Requested returns the capabilities requested by the filesystem.
func (s Settings) Requested() InitFlags { return s.requested }

// Flags returns the capabilities which are in effect: the requested
// capabilities that the kernel offered.
func (s Settings) Flags() InitFlags { return s.requested & s.capabilities }

// MaxReadahead returns the negotiated max readahead.
func (s Settings) MaxReadahead() uint32 { return s.maxReadahead }

// MaxWrite returns the negotiated max write size.
func (s Settings) MaxWrite() uint32 { return s.maxWrite }

// MaxBackground returns the negotiated max number of background requests.
func (s Settings) MaxBackground() uint16 { return s.maxBackground }

// CongestionThreshold returns the effective congestion threshold.
func (s Settings) CongestionThreshold() uint16 { return s.congestionThreshold }

// TimeGranularity returns the negotiated timestamp granularity.
func (s Settings) TimeGranularity() time.Duration { return s.timeGran }

// MaxPages returns the page budget for a single request. It is only sent
// to peers speaking protocol 7.28 or later.
func (s Settings) MaxPages() uint16 { return s.maxPages }

// InitResponse builds the INIT reply for s. Fields are only populated when
// the negotiated version knows about them.
func (s Settings) InitResponse() *InitResponse {
	resp := &InitResponse{
		EarliestVersion: s.version,
		MaxReadahead:    s.maxReadahead,
		Flags:           s.Flags(),
		MaxWrite:        s.maxWrite,
	}
	if s.version.AtLeast(13) {
		resp.MaxBackground = s.maxBackground
		resp.CongestionThreshold = s.congestionThreshold
	}
	if s.version.AtLeast(23) {
		resp.TimeGran = uint32(s.timeGran / time.Nanosecond)
	}
	if s.version.AtLeast(28) {
		resp.MaxPages = s.maxPages
	}
	return resp
}

// Negotiation errors. They are returned by KernelConfig setters and are never
// sent to the kernel.
type (
	// RangeError is returned when a limit is out of range. Nearest is the
	// closest accepted value.
	RangeError struct {
		Setting string
		Value   uint64
		Nearest uint64
	}

	// GranularityError is returned for an invalid timestamp granularity.
	// Nearest is the closest valid granularity below Value.
	GranularityError struct {
		Value   time.Duration
		Nearest time.Duration
	}

	// CapabilityError is returned when requesting capabilities the kernel
	// didn't offer.
	CapabilityError struct {
		Missing InitFlags
	}

	// VersionError is returned when a setting isn't supported by the
	// negotiated protocol version.
	VersionError struct {
		Setting  string
		Required Version
		Actual   Version
	}
)

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s %d out of range, nearest valid value is %d", e.Setting, e.Value, e.Nearest)
}

func (e *GranularityError) Error() string {
	return fmt.Sprintf("time granularity %s must be a power of ten between 1ns and 1s, nearest valid value is %s", e.Value, e.Nearest)
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capabilities not offered by kernel: %s", e.Missing)
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%s requires protocol %s, negotiated %s", e.Setting, e.Required, e.Actual)
}

// NearestValue returns the nearest valid value carried by a RangeError or
// GranularityError. ok is false for other errors.
func NearestValue(err error) (nearest uint64, ok bool) {
	var (
		re *RangeError
		ge *GranularityError
	)
	switch {
	case errors.As(err, &re):
		return re.Nearest, true
	case errors.As(err, &ge):
		return uint64(ge.Nearest), true
	}
	return 0, false
}
