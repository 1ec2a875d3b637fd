// Package types holds the record types shared across every component:
// the dialect-independent shapes the Array Client returns, the parsed
// form of a host-side volume name, and the small error taxonomy that
// lower layers use to classify what went wrong.
package types

import "time"

// VolumeRole distinguishes the three disk-index namespaces a host-side
// volume name can occupy. Template-ness is not a role; it is carried by
// ParsedVolname.IsTemplate and Volume.IsTemplate.
type VolumeRole string

const (
	RoleDisk      VolumeRole = "disk"
	RoleCloudinit VolumeRole = "cloudinit"
	RoleState     VolumeRole = "state"
)

// ParsedVolname is the tagged-variant decoding of a host-side volume
// name. Kind selects which of DiskID/Snap is meaningful; the
// linked-clone form ("base-X-disk-N/vm-Y-disk-M") decodes to Kind ==
// RoleDisk with Parent set, not a fifth variant.
type ParsedVolname struct {
	Kind       VolumeRole
	VMID       int
	DiskID     int    // meaningful when Kind == RoleDisk
	Snap       string // meaningful when Kind == RoleState
	IsTemplate bool   // true for base-* names
	Parent     *ParentRef
}

// ParentRef carries the template a linked clone was created from.
type ParentRef struct {
	BaseVMID int
	BaseDisk int
}

// ArrayVolume is the dialect-independent shape of a logical volume on
// the array, returned by pkg/arrayclient regardless of whether the
// array answered in v1 or v2 shape.
type ArrayVolume struct {
	Name        string // full array-side name, pod-qualified if applicable
	Serial      string // 24-char lowercase serial
	Provisioned int64  // bytes
	Used        int64  // bytes
	Destroyed   bool
	Created     time.Time // always normalized to UTC, see DESIGN.md Open Question 1
	Pod         string    // empty if not pod-qualified
}

// WWID derives the WWID for this volume's serial: "3624a9370" + serial.
func (v ArrayVolume) WWID() string {
	return SerialToWWID(v.Serial)
}

// SerialToWWID derives the stable WWID from a 24-char lowercase serial.
func SerialToWWID(serial string) string {
	return "3624a9370" + serial
}

// ArraySnapshot is the dialect-independent shape of an array snapshot.
type ArraySnapshot struct {
	Name      string // "{volume}.{suffix}"
	Volume    string // the base volume name this snapshot belongs to
	Suffix    string // "pve-snap-{name}" or "pve-base"
	Created   time.Time
	Destroyed bool
}

// IsTemplateMarker reports whether this snapshot is the "pve-base"
// marker that makes its volume a template.
func (s ArraySnapshot) IsTemplateMarker() bool {
	return s.Suffix == "pve-base"
}

// Host is an array-side object representing one or more initiators
// belonging to a node or the whole cluster.
type Host struct {
	Name        string
	Initiators  []string // IQNs (iSCSI) or raw-hex WWNs (FC)
	ConnectedTo []string // names of volumes connected to this host, when known
}

// HostGroup is an array-side grouping of Host objects, letting a
// volume be connected to every member in one operation.
type HostGroup struct {
	Name  string
	Hosts []string // member host names
}

// Connection is a (Host, Array Volume) relation with no further state.
type Connection struct {
	HostName   string
	VolumeName string
}

// Capacity reports array- or pod-level space, used by the status
// operation.
type Capacity struct {
	Total     int64
	Used      int64
	Available int64
	// PodQuota is non-zero when the storage is pod-qualified and the
	// pod has a configured quota; Status prefers this over array totals.
	PodQuota int64
}

// Volume is the host-side view of a volume: owner, role, optional
// parent and provisioned size. It is what pkg/orchestrator hands back
// to the host platform's plugin contract.
type Volume struct {
	Name        string // host-side name, e.g. "vm-100-disk-0"
	VMID        int
	DiskID      int
	Role        VolumeRole
	Snap        string // set when Role == RoleState
	Parent      *ParentRef
	IsTemplate  bool
	Provisioned int64
	Used        int64
}
