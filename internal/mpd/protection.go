package mpd

import (
	"encoding/base64"
	"strings"

	"github.com/beevik/etree"

	"github.com/agleyzer/dashlive/internal/errs"
	"github.com/agleyzer/dashlive/internal/manifest"
)

const mp4ProtectionScheme = "urn:mpeg:dash:mp4protection:2011"

var defaultKeySystems = map[string]string{
	"urn:uuid:1077efec-c0b2-4d02-ace3-3c1e52e2fb4b": "org.w3.clearkey",
	"urn:uuid:e2719d58-a985-b3c9-781a-b030af78d30e": "org.w3.clearkey",
	"urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed": "com.widevine.alpha",
	"urn:uuid:9a04f079-9840-4286-ab92-e65be0885f95": "com.microsoft.playready",
	"urn:uuid:79f0049a-4098-8642-ab92-e65be0885f95": "com.microsoft.playready",
	"urn:uuid:94ce86fb-07ff-4f43-adb8-93d2fa968ca2": "com.apple.fps",
}

type protectionInfo struct {
	encrypted bool
	keyIDs    []string
	infos     []manifest.DRMInfo
}

// parseProtection extracts key ids and per-key-system DRM info from the
// ContentProtection elements of an adaptation set and its representation.
func (s *Session) parseProtection(elems []*etree.Element) (protectionInfo, error) {
	var out protectionInfo
	if len(elems) == 0 {
		return out, nil
	}
	out.encrypted = true

	encScheme := ""
	seenKID := map[string]bool{}
	addKID := func(kid string) {
		kid = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(kid), "-", ""))
		if kid != "" && !seenKID[kid] {
			seenKID[kid] = true
			out.keyIDs = append(out.keyIDs, kid)
		}
	}

	var systems []*etree.Element
	for _, cp := range elems {
		scheme := strings.ToLower(attrString(cp, "schemeIdUri"))
		if kid := attrLocal(cp, "default_KID"); kid != "" {
			for _, k := range strings.Fields(kid) {
				addKID(k)
			}
		}
		if scheme == mp4ProtectionScheme {
			encScheme = attrString(cp, "value")
			continue
		}
		systems = append(systems, cp)
	}

	if s.cfg.IgnoreDRMInfo {
		return out, nil
	}

	for _, cp := range systems {
		scheme := strings.ToLower(attrString(cp, "schemeIdUri"))
		keySystem, ok := s.cfg.KeySystemsByURI[scheme]
		if !ok {
			keySystem, ok = defaultKeySystems[scheme]
		}
		if !ok {
			continue
		}
		info := manifest.DRMInfo{
			KeySystem:  keySystem,
			LicenseURI: licenseURI(cp),
			KeyIDs:     out.keyIDs,
			SchemeURI:  scheme,
			EncScheme:  encScheme,
			Robustness: attrString(cp, "robustness"),
		}
		if pssh := text(childLocal(cp, "pssh")); pssh != "" {
			data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(pssh), ""))
			if err != nil {
				return out, errs.New(errs.Critical, errs.CategoryManifest, errs.DashPSSHBadEncoding, err)
			}
			info.InitData = data
		}
		out.infos = append(out.infos, info)
	}
	return out, nil
}

// licenseURI reads the license server URL from the vendor-specific child
// elements a ContentProtection may carry.
func licenseURI(cp *etree.Element) string {
	if la := childLocal(cp, "laurl"); la != nil {
		if v := attrLocal(la, "licenseUrl"); v != "" {
			return v
		}
		return text(la)
	}
	if la := childLocal(cp, "Laurl"); la != nil {
		return text(la)
	}
	return ""
}

// childLocal finds a child by local name regardless of namespace prefix.
func childLocal(e *etree.Element, local string) *etree.Element {
	if e == nil {
		return nil
	}
	for _, c := range e.ChildElements() {
		if c.Tag == local {
			return c
		}
	}
	return nil
}

// attrLocal finds an attribute by local name regardless of namespace prefix.
func attrLocal(e *etree.Element, local string) string {
	if e == nil {
		return ""
	}
	for _, a := range e.Attr {
		if a.Key == local {
			return a.Value
		}
	}
	return ""
}
