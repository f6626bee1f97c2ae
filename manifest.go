package apkparser

import (
	"strconv"
	"strings"
)

const (
	actionMain        = "android.intent.action.MAIN"
	categoryLauncher  = "android.intent.category.LAUNCHER"
)

// Permission is one `<uses-permission>` declaration, preserving the
// optional maxSdkVersion carried by the originating element (§4.6).
type Permission struct {
	Name          string
	MaxSdkVersion int
	HasMaxSdk     bool
}

// DeclaredPermission is one `<permission>` element this APK defines, keyed
// by name in ManifestFacade.DeclaredPermissions (§4.6).
type DeclaredPermission struct {
	Name            string
	Label           string
	ProtectionLevel string
}

// Component is one activity/activity-alias/service/receiver/provider entry.
type Component struct {
	Name    string // fully formatted, per §4.6's name-formatting rule
	Enabled bool
}

// ManifestFacade orchestrates AxmlParser + ArscParser to expose the derived
// manifest state described in §4.6. All fields named here are computed
// eagerly at construction time, per §9's "replace lazy properties with
// eager computation at open time".
type ManifestFacade struct {
	Package     string
	VersionCode int64
	VersionName string

	Permissions         []Permission
	DeclaredPermissions map[string]DeclaredPermission

	Activities []Component
	Services   []Component
	Receivers  []Component
	Providers  []Component
	Libraries  []string

	root *AxmlNode
	res  *ResourceTable
	obs  Observer
}

// NewManifestFacade builds a ManifestFacade from a decoded, cleaned
// AndroidManifest.xml tree.
func NewManifestFacade(doc *AxmlDocument, res *ResourceTable, obs Observer) (*ManifestFacade, error) {
	if obs == nil {
		obs = NopObserver{}
	}
	root := doc.Clean()

	m := &ManifestFacade{
		root:                root,
		res:                 res,
		obs:                 obs,
		DeclaredPermissions: make(map[string]DeclaredPermission),
	}

	if root == nil {
		return m, nil
	}

	if a, ok := root.Attr("package"); ok {
		m.Package = a.Value.Str
		if m.Package == "" {
			m.Package = a.Value.String()
		}
	}
	if a, ok := root.Attr("versionCode"); ok {
		m.VersionCode = int64(a.Value.Int)
	}
	if a, ok := root.Attr("versionName"); ok {
		m.VersionName = m.resolveStringValue(a.Value)
	}

	var application *AxmlNode
	for _, c := range root.Children {
		switch c.Name {
		case "uses-permission", "uses-permission-sdk-23":
			m.Permissions = append(m.Permissions, m.parsePermissionUse(c))
		case "permission":
			dp := m.parseDeclaredPermission(c)
			m.DeclaredPermissions[dp.Name] = dp
		case "application":
			application = c
		}
	}

	if application != nil {
		for _, c := range application.Children {
			comp := m.parseComponent(c)
			switch c.Name {
			case "activity", "activity-alias":
				m.Activities = append(m.Activities, comp)
			case "service":
				m.Services = append(m.Services, comp)
			case "receiver":
				m.Receivers = append(m.Receivers, comp)
			case "provider":
				m.Providers = append(m.Providers, comp)
			case "uses-library":
				if a, ok := c.Attr("name"); ok {
					m.Libraries = append(m.Libraries, m.resolveStringValue(a.Value))
				}
			}
		}
	}

	m.implyPermissions()

	return m, nil
}

func (m *ManifestFacade) parsePermissionUse(n *AxmlNode) Permission {
	p := Permission{}
	if a, ok := n.Attr("name"); ok {
		p.Name = m.resolveStringValue(a.Value)
	}
	if a, ok := n.Attr("maxSdkVersion"); ok {
		p.MaxSdkVersion = int(a.Value.Int)
		p.HasMaxSdk = true
	}
	return p
}

func (m *ManifestFacade) parseDeclaredPermission(n *AxmlNode) DeclaredPermission {
	dp := DeclaredPermission{}
	if a, ok := n.Attr("name"); ok {
		dp.Name = m.resolveStringValue(a.Value)
	}
	if a, ok := n.Attr("label"); ok {
		dp.Label = m.resolveAtStringRef(m.resolveStringValue(a.Value))
	}
	if a, ok := n.Attr("protectionLevel"); ok {
		dp.ProtectionLevel = a.Value.String()
	}
	return dp
}

func (m *ManifestFacade) parseComponent(n *AxmlNode) Component {
	c := Component{Enabled: true}
	if a, ok := n.Attr("name"); ok {
		c.Name = m.formatComponentName(m.resolveStringValue(a.Value))
	}
	if a, ok := n.Attr("enabled"); ok {
		c.Enabled = a.Value.Kind != ValueBool || a.Value.Bool
	}
	return c
}

// resolveStringValue prefers an already-resolved string form (e.g. from an
// AXML reference attribute chased through ArscParser) and falls back to the
// Value's own formatting.
func (m *ManifestFacade) resolveStringValue(v Value) string {
	if v.Str != "" {
		return v.Str
	}
	return v.String()
}

// resolveAtStringRef resolves a literal `@string/KEY` reference through
// ArscParser (§4.6: "resolved through ArscParser; a missing key yields empty
// string"). Non-`@string/` input is returned unchanged.
func (m *ManifestFacade) resolveAtStringRef(raw string) string {
	if !strings.HasPrefix(raw, "@string/") {
		return raw
	}
	if m.res == nil {
		return ""
	}

	key := strings.TrimPrefix(raw, "@string/")
	if _, v, ok := m.res.GetString(m.Package, key); ok {
		return v
	}
	for _, pkgName := range m.res.PackageNames() {
		if _, v, ok := m.res.GetString(pkgName, key); ok {
			return v
		}
	}
	return ""
}

// formatComponentName implements §4.6's name-formatting rule: a leading
// `.` is prefixed with the package; a name with no `.` is prefixed with
// `package.`; anything else is returned unchanged (S5).
func (m *ManifestFacade) formatComponentName(name string) string {
	switch {
	case name == "":
		return name
	case strings.HasPrefix(name, "."):
		return m.Package + name
	case !strings.Contains(name, "."):
		return m.Package + "." + name
	default:
		return name
	}
}

// MainActivity implements §4.6's main_activity(): the first enabled
// activity/activity-alias whose intent filters contain both MAIN action and
// LAUNCHER category.
func (m *ManifestFacade) MainActivity() (string, bool) {
	if m.root == nil {
		return "", false
	}

	var application *AxmlNode
	for _, c := range m.root.Children {
		if c.Name == "application" {
			application = c
			break
		}
	}
	if application == nil {
		return "", false
	}

	for _, c := range application.Children {
		if c.Name != "activity" && c.Name != "activity-alias" {
			continue
		}
		if enabledAttr, ok := c.Attr("enabled"); ok && enabledAttr.Value.Kind == ValueBool && !enabledAttr.Value.Bool {
			continue
		}

		hasMain, hasLauncher := false, false
		for _, filter := range c.Children {
			if filter.Name != "intent-filter" {
				continue
			}
			for _, child := range filter.Children {
				nameAttr, ok := child.Attr("name")
				if !ok {
					continue
				}
				val := m.resolveStringValue(nameAttr.Value)
				switch child.Name {
				case "action":
					if val == actionMain {
						hasMain = true
					}
				case "category":
					if val == categoryLauncher {
						hasLauncher = true
					}
				}
			}
		}

		if hasMain && hasLauncher {
			if nameAttr, ok := c.Attr("name"); ok {
				return m.formatComponentName(m.resolveStringValue(nameAttr.Value)), true
			}
		}
	}

	return "", false
}

// EffectiveTargetSdk implements §4.6's effective_target_sdk(): targetSdk if
// parseable, else minSdk if parseable, else 1 (invariant 6: always >= 1).
func (m *ManifestFacade) EffectiveTargetSdk() int {
	if m.root == nil {
		return 1
	}

	for _, c := range m.root.Children {
		if c.Name != "uses-sdk" {
			continue
		}
		if a, ok := c.Attr("targetSdkVersion"); ok {
			if n, err := strconv.Atoi(m.resolveStringValue(a.Value)); err == nil && n >= 1 {
				return n
			}
		}
		if a, ok := c.Attr("minSdkVersion"); ok {
			if n, err := strconv.Atoi(m.resolveStringValue(a.Value)); err == nil && n >= 1 {
				return n
			}
		}
	}
	return 1
}

// implyPermissions derives additional permissions older SDK targets receive
// implicitly (§4.6, S6), grounded on the original's
// get_uses_implied_permission_list. Each implied permission carries the
// maxSdkVersion of whichever uses-permission triggered it.
func (m *ManifestFacade) implyPermissions() {
	target := m.EffectiveTargetSdk()
	have := make(map[string]bool, len(m.Permissions))
	for _, p := range m.Permissions {
		have[p.Name] = true
	}

	imply := func(from Permission, name string) {
		if have[name] {
			return
		}
		have[name] = true
		m.Permissions = append(m.Permissions, Permission{
			Name:          name,
			MaxSdkVersion: from.MaxSdkVersion,
			HasMaxSdk:     from.HasMaxSdk,
		})
	}

	base := m.Permissions
	for _, p := range base {
		switch p.Name {
		case "android.permission.READ_CONTACTS":
			if target < 16 {
				imply(p, "android.permission.READ_CALL_LOG")
			}
		case "android.permission.WRITE_CONTACTS":
			if target < 16 {
				imply(p, "android.permission.WRITE_CALL_LOG")
			}
		}
	}

	if target < 4 {
		origin := Permission{Name: "android.permission.WRITE_EXTERNAL_STORAGE"}
		imply(origin, "android.permission.WRITE_EXTERNAL_STORAGE")
		imply(origin, "android.permission.READ_PHONE_STATE")
	}

	for _, p := range m.Permissions {
		if p.Name == "android.permission.WRITE_EXTERNAL_STORAGE" {
			imply(p, "android.permission.READ_EXTERNAL_STORAGE")
		}
	}
}

const defaultMaxDensity = 65535

// Icon implements §4.6's icon(max_dpi): application/@icon, falling back to
// the main activity's @icon, resolved through ArscParser's density
// best-match when the value is a resource reference.
func (m *ManifestFacade) Icon(maxDpi uint16) (string, bool) {
	if m.root == nil {
		return "", false
	}

	var application *AxmlNode
	for _, c := range m.root.Children {
		if c.Name == "application" {
			application = c
			break
		}
	}
	if application == nil {
		return "", false
	}

	if a, ok := application.Attr("icon"); ok {
		if s, ok := m.resolveIconValue(a.Value, maxDpi); ok {
			return s, true
		}
	}

	for _, c := range application.Children {
		if c.Name != "activity" {
			continue
		}
		hasMain := false
		for _, filter := range c.Children {
			if filter.Name != "intent-filter" {
				continue
			}
			for _, child := range filter.Children {
				if child.Name == "action" {
					if nameAttr, ok := child.Attr("name"); ok && m.resolveStringValue(nameAttr.Value) == actionMain {
						hasMain = true
					}
				}
			}
		}
		if !hasMain {
			continue
		}
		if a, ok := c.Attr("icon"); ok {
			if s, ok := m.resolveIconValue(a.Value, maxDpi); ok {
				return s, true
			}
		}
	}

	return "", false
}

func (m *ManifestFacade) resolveIconValue(v Value, maxDpi uint16) (string, bool) {
	if v.Kind == ValueReference && v.Ref != 0 && m.res != nil {
		resolved, err := m.res.GetIconPng(v.Ref, maxDpi)
		if err == nil {
			return resolved.String(), true
		}
		return "", false
	}
	if v.Str != "" {
		return v.Str, true
	}
	return "", false
}
