package upstream

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
)

// Decoder turns raw server-sync update data into typed packages.
type Decoder struct {
	Decompressor Decompressor
}

func NewDecoder() *Decoder {
	return &Decoder{Decompressor: CabDecompressor{}}
}

// rawUpdateData is one entry of a GetUpdateData reply.
type rawUpdateData struct {
	XMLBlob           string
	XMLBlobCompressed []byte
}

func (d *Decoder) decode(raw rawUpdateData, fileURLs map[string]string) (*Package, error) {
	var payload []byte
	if raw.XMLBlob != "" {
		payload = []byte(raw.XMLBlob)
	} else {
		if len(raw.XMLBlobCompressed) == 0 {
			return nil, fmt.Errorf("missing XmlUpdateBlobCompressed")
		}
		dec := d.Decompressor
		if dec == nil {
			dec = CabDecompressor{}
		}
		b, err := dec.Decompress(raw.XMLBlobCompressed)
		if err != nil {
			return nil, fmt.Errorf("decompress metadata: %w", err)
		}
		payload = b
	}
	text, err := decodeText(payload)
	if err != nil {
		return nil, err
	}
	return ParsePackage(text, fileURLs)
}

// decodeText returns UTF-8 for UTF-16 (Unicode) payloads and passes
// everything else through.
func decodeText(b []byte) ([]byte, error) {
	utf16 := len(b) >= 2 &&
		((b[0] == 0xFF && b[1] == 0xFE) || (b[0] == 0xFE && b[1] == 0xFF) || (b[0] != 0 && b[1] == 0))
	if !utf16 {
		return bytes.TrimPrefix(b, []byte("\xEF\xBB\xBF")), nil
	}
	out, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("decode utf-16 metadata: %w", err)
	}
	return out, nil
}

type identityAttrXML struct {
	UpdateID       string `xml:"UpdateID,attr"`
	RevisionNumber int    `xml:"RevisionNumber,attr"`
}

type prerequisiteGroupXML struct {
	IsCategory bool              `xml:"IsCategory,attr"`
	Identities []identityAttrXML `xml:"UpdateIdentity"`
}

type fileXML struct {
	Digest          string `xml:"Digest,attr"`
	DigestAlgorithm string `xml:"DigestAlgorithm,attr"`
	FileName        string `xml:"FileName,attr"`
	Size            int64  `xml:"Size,attr"`
	Modified        string `xml:"Modified,attr"`
}

type localizedXML struct {
	Language    string `xml:"Language"`
	Title       string `xml:"Title"`
	Description string `xml:"Description"`
}

type updateXML struct {
	XMLName    xml.Name        `xml:"Update"`
	Identity   identityAttrXML `xml:"UpdateIdentity"`
	Properties struct {
		UpdateType   string `xml:"UpdateType,attr"`
		CreationDate string `xml:"CreationDate,attr"`
		KBArticleID  string `xml:"KBArticleID"`
	} `xml:"Properties"`
	Localized     []localizedXML         `xml:"LocalizedPropertiesCollection>LocalizedProperties"`
	Prerequisites []prerequisiteGroupXML `xml:"Relationships>Prerequisites>AtLeastOne"`
	Bundled       []identityAttrXML      `xml:"Relationships>BundledUpdates>UpdateIdentity"`
	Superseded    []identityAttrXML      `xml:"Relationships>SupersededUpdates>UpdateIdentity"`
	Files         []fileXML              `xml:"Files>File"`
	CategoryInfo  struct {
		CategoryType string `xml:"CategoryType,attr"`
	} `xml:"HandlerSpecificData>CategoryInformation"`
}

// ParsePackage parses one update metadata XML document. fileURLs maps a
// base64 file digest to its download URL and may be nil.
func ParsePackage(doc []byte, fileURLs map[string]string) (*Package, error) {
	var u updateXML
	dec := xml.NewDecoder(bytes.NewReader(doc))
	// The payload is already UTF-8; ignore any utf-16 declaration in the prolog.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }
	if err := dec.Decode(&u); err != nil {
		return nil, fmt.Errorf("parse update metadata: %w", err)
	}
	id, err := uuid.Parse(u.Identity.UpdateID)
	if err != nil {
		return nil, fmt.Errorf("parse update metadata: bad UpdateID %q: %w", u.Identity.UpdateID, err)
	}

	pkg := &Package{
		Identity:    PackageIdentity{ID: id, Revision: u.Identity.RevisionNumber},
		Kind:        packageKind(u.Properties.UpdateType, u.CategoryInfo.CategoryType),
		KBArticleID: strings.TrimSpace(u.Properties.KBArticleID),
	}
	if ts, ok := parseTimeString(u.Properties.CreationDate); ok {
		pkg.CreationDate = ts
	}
	if lp, ok := pickLocalized(u.Localized); ok {
		pkg.Title = strings.TrimSpace(lp.Title)
		pkg.Description = strings.TrimSpace(lp.Description)
	}
	for _, group := range u.Prerequisites {
		if !group.IsCategory {
			continue
		}
		for _, ident := range group.Identities {
			pkg.CategoryIDs = append(pkg.CategoryIDs, ident.UpdateID)
		}
	}
	pkg.BundledIDs = parseIdentityList(u.Bundled)
	pkg.SupersededIDs = parseIdentityList(u.Superseded)
	for _, f := range u.Files {
		pkg.Files = append(pkg.Files, toFile(f, fileURLs))
	}
	return pkg, nil
}

func packageKind(updateType string, categoryType string) PackageKind {
	switch strings.ToLower(strings.TrimSpace(updateType)) {
	case "category":
		switch strings.ToLower(strings.TrimSpace(categoryType)) {
		case "updateclassification":
			return KindClassification
		case "product", "productfamily", "company":
			return KindProduct
		default:
			return KindUnknown
		}
	case "detectoid":
		return KindDetectoid
	case "software":
		return KindSoftwareUpdate
	case "driver":
		return KindDriver
	default:
		return KindUnknown
	}
}

func pickLocalized(all []localizedXML) (localizedXML, bool) {
	if len(all) == 0 {
		return localizedXML{}, false
	}
	for _, lp := range all {
		if strings.EqualFold(strings.TrimSpace(lp.Language), "en") {
			return lp, true
		}
	}
	return all[0], true
}

func parseIdentityList(in []identityAttrXML) []uuid.UUID {
	var out []uuid.UUID
	for _, ident := range in {
		id, err := uuid.Parse(ident.UpdateID)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

func toFile(f fileXML, fileURLs map[string]string) File {
	out := File{
		FileName: f.FileName,
		Size:     f.Size,
		Digest:   FileDigest{Algorithm: f.DigestAlgorithm},
		Source:   fileURLs[f.Digest],
	}
	if raw, err := base64.StdEncoding.DecodeString(f.Digest); err == nil {
		out.Digest.HexValue = hex.EncodeToString(raw)
	}
	if ts, ok := parseTimeString(f.Modified); ok {
		out.ModifiedDate = ts
	}
	return out
}

func parseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.000",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
