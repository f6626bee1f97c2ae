package apkparser

import (
	"bytes"
	"testing"
)

func strAttr(name, value string) AxmlAttr {
	return AxmlAttr{Name: name, Value: Value{Kind: ValueString, Str: value}}
}

func intAttr(name string, v int32) AxmlAttr {
	return AxmlAttr{Name: name, Value: Value{Kind: ValueIntDec, Int: v}}
}

func boolAttr(name string, v bool) AxmlAttr {
	return AxmlAttr{Name: name, Value: Value{Kind: ValueBool, Bool: v}}
}

func refAttr(name string, ref uint32) AxmlAttr {
	return AxmlAttr{Name: name, Value: Value{Kind: ValueReference, Ref: ref}}
}

func elem(name string, attrs []AxmlAttr, children ...*AxmlNode) *AxmlNode {
	return &AxmlNode{Name: name, Attrs: attrs, Children: children}
}

// buildManifestTree constructs an already-namespace-clean AXML tree matching
// a typical manifest's shape, for exercising ManifestFacade directly without
// going through binary AXML encoding (§4.6 operates on the decoded tree).
func buildManifestTree() *AxmlDocument {
	intentFilterMain := elem("intent-filter", nil,
		elem("action", []AxmlAttr{strAttr("name", actionMain)}),
		elem("category", []AxmlAttr{strAttr("name", categoryLauncher)}),
	)

	mainActivity := elem("activity", []AxmlAttr{
		strAttr("name", ".MainActivity"),
	}, intentFilterMain)

	settingsActivity := elem("activity-alias", []AxmlAttr{
		strAttr("name", "SettingsAlias"),
		boolAttr("enabled", false),
	})

	app := elem("application", []AxmlAttr{
		strAttr("icon", "@mipmap/ic_launcher"),
	}, mainActivity, settingsActivity,
		elem("service", []AxmlAttr{strAttr("name", ".sync.SyncService")}),
		elem("uses-library", []AxmlAttr{strAttr("name", "org.apache.http.legacy")}),
	)

	root := elem("manifest", []AxmlAttr{
		strAttr("package", "com.example.app"),
		intAttr("versionCode", 7),
		strAttr("versionName", "1.2.3"),
	},
		elem("uses-sdk", []AxmlAttr{
			intAttr("targetSdkVersion", 15),
			intAttr("minSdkVersion", 14),
		}),
		elem("uses-permission", []AxmlAttr{strAttr("name", "android.permission.READ_CONTACTS")}),
		app,
	)

	return &AxmlDocument{Root: root}
}

func TestManifestFacadeBasicFields(t *testing.T) {
	m, err := NewManifestFacade(buildManifestTree(), nil, nil)
	if err != nil {
		t.Fatalf("NewManifestFacade: %v", err)
	}

	if m.Package != "com.example.app" {
		t.Errorf("Package = %q, want com.example.app", m.Package)
	}
	if m.VersionCode != 7 {
		t.Errorf("VersionCode = %d, want 7", m.VersionCode)
	}
	if m.VersionName != "1.2.3" {
		t.Errorf("VersionName = %q, want 1.2.3", m.VersionName)
	}
	if len(m.Libraries) != 1 || m.Libraries[0] != "org.apache.http.legacy" {
		t.Errorf("Libraries = %v, want [org.apache.http.legacy]", m.Libraries)
	}
}

// TestManifestFacadeComponentNameFormatting exercises §4.6's name-formatting
// rule (S5): a leading dot gets the package prefixed, a bare name gets
// "package." prefixed, a fully-qualified name passes through unchanged.
func TestManifestFacadeComponentNameFormatting(t *testing.T) {
	m, err := NewManifestFacade(buildManifestTree(), nil, nil)
	if err != nil {
		t.Fatalf("NewManifestFacade: %v", err)
	}

	if len(m.Activities) != 2 {
		t.Fatalf("Activities = %v, want 2 entries", m.Activities)
	}
	if m.Activities[0].Name != "com.example.app.MainActivity" {
		t.Errorf("Activities[0].Name = %q, want com.example.app.MainActivity", m.Activities[0].Name)
	}
	if m.Activities[1].Name != "com.example.app.SettingsAlias" {
		t.Errorf("Activities[1].Name = %q, want com.example.app.SettingsAlias", m.Activities[1].Name)
	}
	if m.Activities[1].Enabled {
		t.Errorf("Activities[1].Enabled = true, want false")
	}

	if len(m.Services) != 1 || m.Services[0].Name != "com.example.app.sync.SyncService" {
		t.Errorf("Services = %v, want [com.example.app.sync.SyncService]", m.Services)
	}
}

func TestManifestFacadeMainActivity(t *testing.T) {
	m, err := NewManifestFacade(buildManifestTree(), nil, nil)
	if err != nil {
		t.Fatalf("NewManifestFacade: %v", err)
	}

	name, ok := m.MainActivity()
	if !ok || name != "com.example.app.MainActivity" {
		t.Errorf("MainActivity() = (%q, %v), want (com.example.app.MainActivity, true)", name, ok)
	}
}

func TestManifestFacadeEffectiveTargetSdk(t *testing.T) {
	m, err := NewManifestFacade(buildManifestTree(), nil, nil)
	if err != nil {
		t.Fatalf("NewManifestFacade: %v", err)
	}
	if got := m.EffectiveTargetSdk(); got != 15 {
		t.Errorf("EffectiveTargetSdk() = %d, want 15", got)
	}
}

func TestManifestFacadeEffectiveTargetSdkFallsBackToMinSdk(t *testing.T) {
	root := elem("manifest", []AxmlAttr{strAttr("package", "com.example.app")},
		elem("uses-sdk", []AxmlAttr{intAttr("minSdkVersion", 21)}),
	)
	m, err := NewManifestFacade(&AxmlDocument{Root: root}, nil, nil)
	if err != nil {
		t.Fatalf("NewManifestFacade: %v", err)
	}
	if got := m.EffectiveTargetSdk(); got != 21 {
		t.Errorf("EffectiveTargetSdk() = %d, want 21", got)
	}
}

func TestManifestFacadeEffectiveTargetSdkDefaultsToOne(t *testing.T) {
	root := elem("manifest", []AxmlAttr{strAttr("package", "com.example.app")})
	m, err := NewManifestFacade(&AxmlDocument{Root: root}, nil, nil)
	if err != nil {
		t.Fatalf("NewManifestFacade: %v", err)
	}
	if got := m.EffectiveTargetSdk(); got != 1 {
		t.Errorf("EffectiveTargetSdk() = %d, want 1", got)
	}
}

// TestManifestFacadeImpliedPermissions exercises §4.6's implied-permission
// derivation: a pre-16 target requesting READ_CONTACTS implicitly receives
// READ_CALL_LOG. The pre-4 tier (S6) is covered by
// TestManifestFacadeImpliedPermissionsPreFourTarget.
func TestManifestFacadeImpliedPermissions(t *testing.T) {
	m, err := NewManifestFacade(buildManifestTree(), nil, nil)
	if err != nil {
		t.Fatalf("NewManifestFacade: %v", err)
	}

	have := make(map[string]bool)
	for _, p := range m.Permissions {
		have[p.Name] = true
	}
	if !have["android.permission.READ_CONTACTS"] {
		t.Fatalf("expected explicit READ_CONTACTS permission, got %v", m.Permissions)
	}
	if !have["android.permission.READ_CALL_LOG"] {
		t.Errorf("expected implied READ_CALL_LOG for target sdk 15, got %v", m.Permissions)
	}
}

func TestManifestFacadeImpliedPermissionsPreFourTarget(t *testing.T) {
	root := elem("manifest", []AxmlAttr{strAttr("package", "com.example.app")},
		elem("uses-sdk", []AxmlAttr{intAttr("targetSdkVersion", 3)}),
	)
	m, err := NewManifestFacade(&AxmlDocument{Root: root}, nil, nil)
	if err != nil {
		t.Fatalf("NewManifestFacade: %v", err)
	}

	have := make(map[string]bool)
	for _, p := range m.Permissions {
		have[p.Name] = true
	}
	for _, want := range []string{
		"android.permission.WRITE_EXTERNAL_STORAGE",
		"android.permission.READ_EXTERNAL_STORAGE",
		"android.permission.READ_PHONE_STATE",
	} {
		if !have[want] {
			t.Errorf("expected implied permission %s for target sdk 3, got %v", want, m.Permissions)
		}
	}
}

// TestManifestFacadeIconLiteralPath exercises Icon() when the attribute
// carries a literal string (not a resource reference), which should pass
// through unresolved.
func TestManifestFacadeIconLiteralPath(t *testing.T) {
	root := elem("manifest", []AxmlAttr{strAttr("package", "com.example.app")},
		elem("application", []AxmlAttr{strAttr("icon", "res/drawable/icon.png")}),
	)
	m, err := NewManifestFacade(&AxmlDocument{Root: root}, nil, nil)
	if err != nil {
		t.Fatalf("NewManifestFacade: %v", err)
	}

	got, ok := m.Icon(480)
	if !ok || got != "res/drawable/icon.png" {
		t.Errorf("Icon() = (%q, %v), want (res/drawable/icon.png, true)", got, ok)
	}
}

// TestManifestFacadeIconResourceReference exercises Icon() resolving a
// @mipmap reference through the resource table's density best-match.
func TestManifestFacadeIconResourceReference(t *testing.T) {
	table, err := ParseResourceTable(bytes.NewReader(buildResourceTable(t)))
	if err != nil {
		t.Fatalf("ParseResourceTable: %v", err)
	}

	root := elem("manifest", []AxmlAttr{strAttr("package", "com.example.app")},
		elem("application", []AxmlAttr{refAttr("icon", 0x7f020000)}),
	)
	m, err := NewManifestFacade(&AxmlDocument{Root: root}, table, nil)
	if err != nil {
		t.Fatalf("NewManifestFacade: %v", err)
	}

	got, ok := m.Icon(720)
	if !ok || got != "res/mipmap-xxhdpi/ic_launcher.png" {
		t.Errorf("Icon(720) = (%q, %v), want (res/mipmap-xxhdpi/ic_launcher.png, true)", got, ok)
	}
}
