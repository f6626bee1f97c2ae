package apkparser

// wellKnownAttrNames maps the stable, public android:attr resource ids
// (frameworks/base/core/res/res/values/public.xml, generated into
// android.R.attr and consumed by AndroidManifestActivity-style parsing) to
// their attribute name. Android resolves manifest attributes primarily by
// this id, not by name, so obfuscated/minified APKs that strip the string
// pool entry still parse correctly as long as this id is present in the
// document's RESOURCE_MAP chunk (§4.2).
//
// This is the historically stable core subset relevant to manifest parsing;
// it is intentionally not exhaustive.
var wellKnownAttrNames = map[uint32]string{
	0x01010000: "theme",
	0x01010001: "label",
	0x01010002: "icon",
	0x01010003: "name",
	0x01010006: "permission",
	0x01010007: "readPermission",
	0x01010008: "writePermission",
	0x01010009: "protectionLevel",
	0x0101000a: "permissionGroup",
	0x0101000b: "sharedUserId",
	0x0101000c: "hasCode",
	0x0101000d: "persistent",
	0x0101000e: "enabled",
	0x0101000f: "debuggable",
	0x01010010: "exported",
	0x01010011: "process",
	0x01010012: "taskAffinity",
	0x01010013: "multiprocess",
	0x01010014: "finishOnTaskLaunch",
	0x01010015: "clearTaskOnLaunch",
	0x01010016: "stateNotNeeded",
	0x01010017: "excludeFromRecents",
	0x01010018: "authorities",
	0x01010019: "syncable",
	0x0101001a: "initOrder",
	0x0101001b: "grantUriPermissions",
	0x0101001c: "priority",
	0x0101001d: "launchMode",
	0x0101001e: "screenOrientation",
	0x0101001f: "configChanges",
	0x01010020: "description",
	0x01010021: "targetPackage",
	0x01010024: "value",
	0x01010025: "resource",
	0x0101002c: "versionCode",
	0x0101002d: "versionName",
	0x01010228: "targetSdkVersion",
	0x0101020c: "minSdkVersion",
	0x01010231: "maxSdkVersion",
	0x010103f7: "roundIcon",
	0x01010546: "requiredFeature",
	0x010100d0: "host",
	0x010100d1: "port",
	0x010100d2: "path",
	0x010100d3: "pathPrefix",
	0x010100d4: "pathPattern",
	0x010100d5: "mimeType",
	0x010101a5: "stopWithTask",
	0x01010022: "scheme",
}

// wellKnownAttrName returns the stable attribute name for id, or "" if id
// isn't one of the well-known public android:attr ids (§4.2's fallback then
// tries the string pool).
func wellKnownAttrName(id uint32) string {
	return wellKnownAttrNames[id]
}
