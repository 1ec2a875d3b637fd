// Package naming implements the bidirectional, lossy mapping between
// host-side volume identifiers and array-side object names (spec.md
// §4.A). Every function here is pure: no I/O, no array calls. Callers
// that need array state (e.g. to decide whether a volume is a
// template) gather it themselves and pass it in.
package naming

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cuemby/pve-flasharray/pkg/types"
)

const (
	storageMaxLen = 24
	hostFieldMax  = 20
	snapSuffixMax = 64 // total length of "pve-snap-{...}" or "pve-base"
	configVolMax  = 63
)

var (
	wsRun         = regexp.MustCompile(`\s+`)
	notArrayChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	notSnapChars  = regexp.MustCompile(`[^A-Za-z0-9-]`)
	dashRun       = regexp.MustCompile(`-+`)

	arrayVolumeRE = regexp.MustCompile(
		`^pve-(.+?)-(\d+)-(disk\d+|cloudinit|state-[A-Za-z0-9-]+|vmconf-[A-Za-z0-9-]+)$`)

	hostDiskRE       = regexp.MustCompile(`^vm-(\d+)-disk-(\d+)$`)
	hostBaseDiskRE   = regexp.MustCompile(`^base-(\d+)-disk-(\d+)$`)
	hostCloudinitRE  = regexp.MustCompile(`^vm-(\d+)-cloudinit$`)
	hostStateRE      = regexp.MustCompile(`^vm-(\d+)-state-(.+)$`)
	hostLinkedErorRE = regexp.MustCompile(`^base-(\d+)-disk-(\d+)/vm-(\d+)-disk-(\d+)$`)

	validArrayNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,62}$`)
)

// SanitizeForArray collapses whitespace to '-', strips every character
// outside [A-Za-z0-9_-], forces a leading alphanumeric, strips trailing
// separators, and caps the result at storageMaxLen characters. An empty
// result becomes "pve". The hyphen-to-underscore substitution that
// keeps '-' a reliable field separator is applied by EncodeVolume, not
// here, since other callers (e.g. host names) want the hyphen kept.
func SanitizeForArray(s string) string {
	return sanitizeForArray(s, storageMaxLen)
}

func sanitizeForArray(s string, maxLen int) string {
	s = wsRun.ReplaceAllString(s, "-")
	s = notArrayChars.ReplaceAllString(s, "")

	// ensure leading alphanumeric: strip leading separators
	for len(s) > 0 && (s[0] == '-' || s[0] == '_') {
		s = s[1:]
	}

	s = strings.TrimRight(s, "-_")

	if len(s) > maxLen {
		s = s[:maxLen]
		s = strings.TrimRight(s, "-_")
	}

	if s == "" {
		s = "pve"
	}
	return s
}

// sanitizeSnapName implements the stricter snapshot-name sanitizer:
// only [A-Za-z0-9-] survive, every other character (including '_' and
// '.') becomes '-', and consecutive '-' collapse to one.
func sanitizeSnapName(s string) string {
	s = notSnapChars.ReplaceAllString(s, "-")
	s = dashRun.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "snap"
	}
	return s
}

// IsValidArrayName enforces the array-side naming constraint: 1-63
// characters, leading alphanumeric, charset [A-Za-z0-9_-].
func IsValidArrayName(name string) bool {
	return validArrayNameRE.MatchString(name)
}

// StorageField sanitizes a storage id the same way every Encode*
// function does and applies the hyphen-to-underscore substitution that
// keeps '-' a reliable field separator in the resulting array name.
// Exposed so callers that need to build a volume-name prefix (e.g. a
// disk-index scan, or a namespace listing) don't have to re-derive it.
func StorageField(storage string) string {
	return strings.ReplaceAll(SanitizeForArray(storage), "-", "_")
}

// EncodeVolume produces the array-side base name for a disk index:
// "pve-{sanitized_storage}-{vmid}-disk{diskID}", with '-' replaced by
// '_' in the storage field so the hyphen stays a safe field separator.
func EncodeVolume(storage string, vmid, diskID int) string {
	s := StorageField(storage)
	return fmt.Sprintf("pve-%s-%d-disk%d", s, vmid, diskID)
}

// EncodeCloudinit produces the array-side base name for the cloudinit
// disk of vmid.
func EncodeCloudinit(storage string, vmid int) string {
	s := strings.ReplaceAll(SanitizeForArray(storage), "-", "_")
	return fmt.Sprintf("pve-%s-%d-cloudinit", s, vmid)
}

// EncodeState produces the array-side base name for a state/memory
// snapshot volume of vmid.
func EncodeState(storage string, vmid int, snap string) string {
	s := strings.ReplaceAll(SanitizeForArray(storage), "-", "_")
	sSnap := sanitizeSnapName(snap)
	return fmt.Sprintf("pve-%s-%d-state-%s", s, vmid, sSnap)
}

// EncodeConfigVolume produces the array-side name of the config-backup
// side-channel volume for (storage, vmid, snap), truncating the
// sanitized snap component so the total length stays at configVolMax
// and no truncation leaves a trailing separator.
func EncodeConfigVolume(storage string, vmid int, snap string) string {
	s := strings.ReplaceAll(SanitizeForArray(storage), "-", "_")
	prefix := fmt.Sprintf("pve-%s-%d-vmconf-", s, vmid)
	sSnap := sanitizeSnapName(snap)

	budget := configVolMax - len(prefix)
	if budget < 1 {
		budget = 1
	}
	if len(sSnap) > budget {
		sSnap = sSnap[:budget]
		sSnap = strings.TrimRight(sSnap, "-")
		if sSnap == "" {
			sSnap = "s"
		}
	}
	return prefix + sSnap
}

// EncodeSnapshotSuffix produces "pve-snap-{sanitized}", capping the
// total suffix length at snapSuffixMax.
func EncodeSnapshotSuffix(snapName string) string {
	const prefix = "pve-snap-"
	sSnap := sanitizeSnapName(snapName)

	budget := snapSuffixMax - len(prefix)
	if len(sSnap) > budget {
		sSnap = sSnap[:budget]
		sSnap = strings.TrimRight(sSnap, "-")
		if sSnap == "" {
			sSnap = "s"
		}
	}
	return prefix + sSnap
}

// TemplateMarkerSuffix is the fixed snapshot suffix that marks a volume
// as a template.
const TemplateMarkerSuffix = "pve-base"

// EncodeHost produces the array-side host name for a node, or the
// shared-mode name when node is empty.
func EncodeHost(cluster, node string) string {
	c := sanitizeHostField(cluster)
	if node == "" {
		return fmt.Sprintf("pve-%s-shared", c)
	}
	return fmt.Sprintf("pve-%s-%s", c, sanitizeHostField(node))
}

func sanitizeHostField(s string) string {
	s = sanitizeForArray(s, hostFieldMax)
	return strings.ReplaceAll(s, "_", "-")
}

// ParsedArrayVolume is the decoded form of an array-side volume base
// name (before any pod prefix is stripped).
type ParsedArrayVolume struct {
	Storage string // raw field as stored on the array (underscored)
	VMID    int
	Role    string // "disk{N}", "cloudinit", "state-{snap}", "vmconf-{snap}"
}

// DecodeVolume parses an array-side base name. It rejects any name
// containing '.', since those are snapshot forms, and uses a
// non-greedy match on the storage field to tolerate legacy hyphenated
// storage names.
func DecodeVolume(name string) (*ParsedArrayVolume, bool) {
	if strings.Contains(name, ".") {
		return nil, false
	}
	m := arrayVolumeRE.FindStringSubmatch(name)
	if m == nil {
		return nil, false
	}
	storage := m[1]
	if storage == "" || storage[0] == '-' || storage[len(storage)-1] == '-' {
		return nil, false
	}
	var vmid int
	if _, err := fmt.Sscanf(m[2], "%d", &vmid); err != nil {
		return nil, false
	}
	return &ParsedArrayVolume{Storage: storage, VMID: vmid, Role: m[3]}, true
}

// ParseHostVolname parses a host-side volume name into its tagged
// representation, recognizing all four base shapes plus the
// slash-joined linked-clone form.
func ParseHostVolname(name string) (*types.ParsedVolname, bool) {
	if m := hostLinkedErorRE.FindStringSubmatch(name); m != nil {
		baseVMID := atoi(m[1])
		baseDisk := atoi(m[2])
		vmid := atoi(m[3])
		disk := atoi(m[4])
		return &types.ParsedVolname{
			Kind:   types.RoleDisk,
			VMID:   vmid,
			DiskID: disk,
			Parent: &types.ParentRef{BaseVMID: baseVMID, BaseDisk: baseDisk},
		}, true
	}
	if m := hostBaseDiskRE.FindStringSubmatch(name); m != nil {
		return &types.ParsedVolname{
			Kind:       types.RoleDisk,
			VMID:       atoi(m[1]),
			DiskID:     atoi(m[2]),
			IsTemplate: true,
		}, true
	}
	if m := hostDiskRE.FindStringSubmatch(name); m != nil {
		return &types.ParsedVolname{
			Kind:   types.RoleDisk,
			VMID:   atoi(m[1]),
			DiskID: atoi(m[2]),
		}, true
	}
	if m := hostCloudinitRE.FindStringSubmatch(name); m != nil {
		return &types.ParsedVolname{Kind: types.RoleCloudinit, VMID: atoi(m[1])}, true
	}
	if m := hostStateRE.FindStringSubmatch(name); m != nil {
		return &types.ParsedVolname{Kind: types.RoleState, VMID: atoi(m[1]), Snap: m[2]}, true
	}
	return nil, false
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}

// PveToArray maps a host-side volume name to its array-side base name
// (unqualified by pod). It covers all four host-side shapes plus the
// linked-clone form, where only the child "vm-{VMID}-disk-{N}" after
// the '/' determines the array name — the parent is carried
// separately by the caller, which already has it from ParseHostVolname.
func PveToArray(storage, hostVolname string) (string, error) {
	// a linked-clone name only matters for its child half here.
	name := hostVolname
	if idx := strings.IndexByte(hostVolname, '/'); idx >= 0 {
		name = hostVolname[idx+1:]
	}

	parsed, ok := ParseHostVolname(name)
	if !ok {
		// base-* without a child half falls through to the base-disk regex
		if m := hostBaseDiskRE.FindStringSubmatch(hostVolname); m != nil {
			return EncodeVolume(storage, atoi(m[1]), atoi(m[2])), nil
		}
		return "", fmt.Errorf("naming: %q is not a recognized host-side volume name", hostVolname)
	}

	switch parsed.Kind {
	case types.RoleDisk:
		return EncodeVolume(storage, parsed.VMID, parsed.DiskID), nil
	case types.RoleCloudinit:
		return EncodeCloudinit(storage, parsed.VMID), nil
	case types.RoleState:
		return EncodeState(storage, parsed.VMID, parsed.Snap), nil
	default:
		return "", fmt.Errorf("naming: unhandled role for %q", hostVolname)
	}
}

// ArrayToPve maps an array-side base name back to its host-side name.
// isTemplate must be supplied by the caller (it depends on whether a
// "pve-base" snapshot exists, which Naming cannot know on its own).
func ArrayToPve(arrayBaseName string, isTemplate bool) (string, error) {
	parsed, ok := DecodeVolume(arrayBaseName)
	if !ok {
		return "", fmt.Errorf("naming: %q is not a recognized array volume name", arrayBaseName)
	}

	switch {
	case parsed.Role == "cloudinit":
		return fmt.Sprintf("vm-%d-cloudinit", parsed.VMID), nil
	case strings.HasPrefix(parsed.Role, "disk"):
		diskID := parsed.Role[len("disk"):]
		prefix := "vm"
		if isTemplate {
			prefix = "base"
		}
		return fmt.Sprintf("%s-%d-disk-%s", prefix, parsed.VMID, diskID), nil
	case strings.HasPrefix(parsed.Role, "state-"):
		snap := parsed.Role[len("state-"):]
		return fmt.Sprintf("vm-%d-state-%s", parsed.VMID, snap), nil
	case strings.HasPrefix(parsed.Role, "vmconf-"):
		return "", fmt.Errorf("naming: vmconf volumes are not host-visible")
	default:
		return "", fmt.Errorf("naming: unhandled array role %q", parsed.Role)
	}
}

// LinkedCloneName joins a template's host-side name with a clone's
// host-side disk name into the slash-separated compound form the host
// layer uses to learn the parent relationship.
func LinkedCloneName(baseVMID, baseDisk, vmid, diskID int) string {
	return fmt.Sprintf("base-%d-disk-%d/vm-%d-disk-%d", baseVMID, baseDisk, vmid, diskID)
}

// PodQualify prefixes name with "{pod}::" when pod is non-empty.
func PodQualify(pod, name string) string {
	if pod == "" {
		return name
	}
	return pod + "::" + name
}

// PodUnqualify splits a possibly pod-qualified name into (pod, local).
// pod is empty when name carried no qualifier.
func PodUnqualify(name string) (pod, local string) {
	if idx := strings.Index(name, "::"); idx >= 0 {
		return name[:idx], name[idx+2:]
	}
	return "", name
}
