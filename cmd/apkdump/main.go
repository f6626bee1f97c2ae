// Command apkdump prints an APK's manifest summary, signing certificates,
// and optionally extracts its icon as a PNG.
package main

import (
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/leiserfg/apkparser"
	"gopkg.in/yaml.v3"
)

// config holds batch defaults loadable from a YAML file (§1.3); none of
// these are required, every field also has a flag equivalent.
type config struct {
	MaxDpi        uint16 `yaml:"max_dpi"`
	TestIntegrity bool   `yaml:"test_integrity"`
	IconOut       string `yaml:"icon_out"`
}

func loadConfig(path string) (config, error) {
	cfg := config{MaxDpi: 480}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	var (
		configPath    = flag.String("c", "", "path to a YAML config file")
		maxDpi        = flag.Uint("m", 0, "max icon density (overrides config)")
		testIntegrity = flag.Bool("t", false, "verify every entry's CRC32 before parsing")
		iconOut       = flag.String("i", "", "write the resolved icon as a PNG to this path")
		dumpXML       = flag.Bool("x", false, "print the decoded AndroidManifest.xml as text")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: apkdump [-c config.yaml] [-m max_dpi] [-t] [-i icon.png] [-x] <apk path>")
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *maxDpi != 0 {
		cfg.MaxDpi = uint16(*maxDpi)
	}
	if *testIntegrity {
		cfg.TestIntegrity = true
	}
	if *iconOut != "" {
		cfg.IconOut = *iconOut
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		log.Fatalf("reading %s: %s", flag.Arg(0), err)
	}

	apk, err := apkparser.Open(data, apkparser.OpenOptions{TestIntegrity: cfg.TestIntegrity})
	if err != nil {
		log.Fatalf("opening APK: %s", err)
	}
	defer apk.Close()

	dumpManifest(apk)
	dumpSigning(apk)

	if *dumpXML {
		xmlBytes, err := apk.ManifestXML()
		if err != nil {
			log.Printf("manifest xml: %s", err)
		} else {
			fmt.Println(string(xmlBytes))
		}
	}

	if cfg.IconOut != "" {
		if err := apk.WriteIcon(cfg.IconOut, cfg.MaxDpi, 512); err != nil {
			log.Printf("writing icon: %s", err)
		} else {
			fmt.Printf("icon written to %s\n", cfg.IconOut)
		}
	}
}

func dumpManifest(apk *apkparser.APK) {
	fmt.Printf("package:      %s\n", apk.Package())
	fmt.Printf("versionCode:  %d\n", apk.VersionCode())
	fmt.Printf("versionName:  %s\n", apk.VersionName())

	if main, ok := apk.MainActivity(); ok {
		fmt.Printf("mainActivity: %s\n", main)
	}

	fmt.Println("permissions:")
	for _, p := range apk.Permissions() {
		fmt.Printf("  %s\n", p)
	}

	fmt.Println("activities:")
	for _, a := range apk.Activities() {
		fmt.Printf("  %s\n", a)
	}
}

func dumpSigning(apk *apkparser.APK) {
	fmt.Printf("signedV1:     %v\n", apk.IsSignedV1())
	fmt.Printf("signedV2:     %v\n", apk.IsSignedV2())

	if apk.IsSignedV2() {
		certs, err := apk.CertificatesV2()
		if err != nil {
			log.Printf("certificates_v2: %s", err)
		} else {
			printCerts("v2", certs)
		}
	}
	if apk.IsSignedV1() {
		certs, err := apk.CertificatesV1()
		if err != nil {
			log.Printf("certificates_v1: %s", err)
		} else {
			printCerts("v1", certs)
		}
	}
}

func printCerts(label string, certs []*x509.Certificate) {
	for i, c := range certs {
		fmt.Printf("  %s cert %d: subject=%s issuer=%s serial=%s\n", label, i, c.Subject, c.Issuer, c.SerialNumber)
	}
}
