package ebox

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/eboxcore/ebox/internal/eckey"
	"github.com/eboxcore/ebox/internal/wire"
)

// TemplatePart is one recipient entry in a config: a recipient public
// key plus optional metadata used to address a holder during
// challenge/response and to render a human-readable description.
// Equality is defined over (GUID, SlotID, RecipientPubkey), matching
// TemplatePart semantics.
type TemplatePart struct {
	RecipientPubkey eckey.PublicKey
	GUID            PartGUID // ZeroGUID if unset
	SlotID          *uint8   // nil if unset
	Name            string   // "" if unset; must be <=255 UTF-8 bytes
	CardAuthPubkey  eckey.PublicKey // zero value if unset
}

// Equal reports whether p and other identify the same part.
func (p TemplatePart) Equal(other TemplatePart) bool {
	if !p.GUID.Equal(other.GUID) {
		return false
	}
	if (p.SlotID == nil) != (other.SlotID == nil) {
		return false
	}
	if p.SlotID != nil && *p.SlotID != *other.SlotID {
		return false
	}
	return p.RecipientPubkey.Equal(other.RecipientPubkey)
}

func (p TemplatePart) clone() TemplatePart {
	return p // all fields are value types or immutable wrapper values
}

// TemplateConfig is one PRIMARY or RECOVERY branch of a Template.
type TemplateConfig struct {
	Type      ConfigType
	Threshold uint8 // n; always 1 for ConfigPrimary
	Parts     []TemplatePart
}

// AddPart appends part to the config. A PRIMARY config accepts exactly
// one part; adding a second fails KindInvalidArg.
func (c *TemplateConfig) AddPart(part TemplatePart) error {
	const op = "ebox.TemplateConfig.AddPart"
	if c.Type == ConfigPrimary && len(c.Parts) >= 1 {
		return wrapErr(op, KindInvalidArg, fmt.Errorf("primary config already has a part"))
	}
	if len(c.Parts) >= 255 {
		return wrapErr(op, KindInvalidArg, fmt.Errorf("config already has the maximum 255 parts"))
	}
	if len(part.Name) > 255 {
		return wrapErr(op, KindInvalidArg, fmt.Errorf("part name exceeds 255 bytes"))
	}
	c.Parts = append(c.Parts, part)
	return nil
}

// SetThreshold sets the config's recovery threshold. Only legal on
// RECOVERY configs; n must be in [1, len(Parts)].
func (c *TemplateConfig) SetThreshold(n int) error {
	const op = "ebox.TemplateConfig.SetThreshold"
	if c.Type != ConfigRecovery {
		return wrapErr(op, KindInvalidArg, fmt.Errorf("threshold only applies to RECOVERY configs"))
	}
	if n < 1 || n > len(c.Parts) {
		return wrapErr(op, KindInvalidArg, fmt.Errorf("threshold %d out of range [1, %d]", n, len(c.Parts)))
	}
	c.Threshold = uint8(n)
	return nil
}

func (c *TemplateConfig) clone() *TemplateConfig {
	parts := make([]TemplatePart, len(c.Parts))
	for i, p := range c.Parts {
		parts[i] = p.clone()
	}
	return &TemplateConfig{Type: c.Type, Threshold: c.Threshold, Parts: parts}
}

// Template is the immutable-once-sealed description of a recovery
// policy: an ordered list of configs, each PRIMARY or RECOVERY.
type Template struct {
	Version uint8
	Configs []*TemplateConfig
}

// NewTemplate returns an empty template ready for AllocConfig/AddConfig.
func NewTemplate() *Template {
	return &Template{Version: templateVersion}
}

// AllocConfig returns a new, unattached TemplateConfig of the given
// type. PRIMARY configs start with threshold 1 (fixed); RECOVERY
// configs start with threshold 0 until SetThreshold is called and at
// least one part has been added.
func (t *Template) AllocConfig(typ ConfigType) (*TemplateConfig, error) {
	switch typ {
	case ConfigPrimary:
		return &TemplateConfig{Type: typ, Threshold: 1}, nil
	case ConfigRecovery:
		return &TemplateConfig{Type: typ}, nil
	default:
		return nil, wrapErr("ebox.Template.AllocConfig", KindInvalidArg,
			fmt.Errorf("unknown config type %d", typ))
	}
}

// AddConfig appends cfg to the template. A PRIMARY config must already
// have its one part; a RECOVERY config must have 1 <= Threshold <=
// len(Parts) <= 255.
func (t *Template) AddConfig(cfg *TemplateConfig) error {
	const op = "ebox.Template.AddConfig"
	switch cfg.Type {
	case ConfigPrimary:
		if len(cfg.Parts) != 1 {
			return wrapErr(op, KindInvalidArg, fmt.Errorf("primary config must have exactly one part, has %d", len(cfg.Parts)))
		}
		if cfg.Threshold != 1 {
			return wrapErr(op, KindInvalidArg, fmt.Errorf("primary config threshold must be 1"))
		}
	case ConfigRecovery:
		if len(cfg.Parts) == 0 || len(cfg.Parts) > 255 {
			return wrapErr(op, KindInvalidArg, fmt.Errorf("recovery config must have 1-255 parts, has %d", len(cfg.Parts)))
		}
		if cfg.Threshold < 1 || int(cfg.Threshold) > len(cfg.Parts) {
			return wrapErr(op, KindInvalidArg, fmt.Errorf("recovery config threshold %d out of range [1, %d]", cfg.Threshold, len(cfg.Parts)))
		}
	default:
		return wrapErr(op, KindInvalidArg, fmt.Errorf("unknown config type %d", cfg.Type))
	}
	t.Configs = append(t.Configs, cfg)
	return nil
}

// Clone returns a deep, independent copy of t.
func (t *Template) Clone() *Template {
	configs := make([]*TemplateConfig, len(t.Configs))
	for i, c := range t.Configs {
		configs[i] = c.clone()
	}
	return &Template{Version: t.Version, Configs: configs}
}

// Serialize renders t in the wire format described in §6.1: magic
// 0xEB 0xDA, version, nconfigs, then each config.
func (t *Template) Serialize() []byte {
	w := wire.NewWriter(256)
	w.WriteU8(templateMagic0)
	w.WriteU8(templateMagic1)
	w.WriteU8(t.Version)
	w.WriteU8(uint8(len(t.Configs)))
	for _, cfg := range t.Configs {
		writeTemplateConfig(w, cfg)
	}
	return w.Bytes()
}

func writeTemplateConfig(w *wire.Writer, cfg *TemplateConfig) {
	w.WriteU8(uint8(cfg.Type))
	w.WriteU8(uint8(len(cfg.Parts)))
	w.WriteU8(cfg.Threshold)
	for _, p := range cfg.Parts {
		writeTemplatePart(w, p)
	}
}

func writeTemplatePart(w *wire.Writer, p TemplatePart) {
	w.WriteField(tagPubkey, encodeECKey(p.RecipientPubkey))
	if p.Name != "" {
		w.WriteField(tagName, []byte(p.Name))
	}
	if !p.CardAuthPubkey.IsZero() {
		w.WriteField(tagCardAuthKey, encodeECKey(p.CardAuthPubkey))
	}
	if !p.GUID.IsZero() {
		w.WriteField(tagGUID, p.GUID.Bytes())
	}
	if p.SlotID != nil {
		w.WriteField(tagSlotID, []byte{*p.SlotID})
	}
	w.WriteEnd()
}

// ParseTemplate parses a Template from its wire form, as produced by
// Serialize. Unknown per-part tags are preserved by the reader but
// dropped by this decoder, per the forward-compatibility policy in
// §4.1: round-tripping an ebox with an unknown tag changes its bytes
// but not its semantics.
func ParseTemplate(buf []byte) (*Template, error) {
	const op = "ebox.ParseTemplate"
	r := wire.NewReader(buf)

	m0, err := r.ReadU8()
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	m1, err := r.ReadU8()
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	if m0 != templateMagic0 || m1 != templateMagic1 {
		return nil, wrapErr(op, KindInvalidFormat, fmt.Errorf("bad magic %02x%02x", m0, m1))
	}
	version, err := r.ReadU8()
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}
	if version != templateVersion {
		return nil, wrapErr(op, KindUnsupportedVersion, fmt.Errorf("template version %d", version))
	}
	nconfigs, err := r.ReadU8()
	if err != nil {
		return nil, wrapErr(op, KindInvalidFormat, err)
	}

	t := &Template{Version: version}
	for i := uint8(0); i < nconfigs; i++ {
		cfg, err := readTemplateConfig(r)
		if err != nil {
			return nil, wrapErr(op, KindInvalidFormat, err)
		}
		t.Configs = append(t.Configs, cfg)
	}
	return t, nil
}

func readTemplateConfig(r *wire.Reader) (*TemplateConfig, error) {
	typ, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	nparts, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	threshold, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	cfg := &TemplateConfig{Type: ConfigType(typ), Threshold: threshold}
	for i := uint8(0); i < nparts; i++ {
		part, err := readTemplatePart(r)
		if err != nil {
			return nil, err
		}
		cfg.Parts = append(cfg.Parts, part)
	}
	return cfg, nil
}

func readTemplatePart(r *wire.Reader) (TemplatePart, error) {
	fields, err := r.ReadFields()
	if err != nil {
		return TemplatePart{}, err
	}
	m := wire.LastByTag(fields)

	pubkeyRaw, ok := m[tagPubkey]
	if !ok {
		return TemplatePart{}, fmt.Errorf("%w: part missing pubkey", wire.ErrFieldMissing)
	}
	pubkey, err := readECKey(pubkeyRaw)
	if err != nil {
		return TemplatePart{}, err
	}

	part := TemplatePart{RecipientPubkey: pubkey}
	if name, ok := m[tagName]; ok {
		part.Name = string(name)
	}
	if cak, ok := m[tagCardAuthKey]; ok {
		key, err := readECKey(cak)
		if err != nil {
			return TemplatePart{}, err
		}
		part.CardAuthPubkey = key
	}
	if guid, ok := m[tagGUID]; ok {
		g, err := PartGUIDFromBytes(guid)
		if err != nil {
			return TemplatePart{}, err
		}
		part.GUID = g
	}
	if slot, ok := m[tagSlotID]; ok {
		if len(slot) != 1 {
			return TemplatePart{}, fmt.Errorf("slot_id field must be 1 byte, got %d", len(slot))
		}
		v := slot[0]
		part.SlotID = &v
	}
	return part, nil
}

// TemplateSummary is a read-only, human-readable dump of a Template's
// structure for logs and test fixtures. It is not a configuration
// format: there is no corresponding parser.
type TemplateSummary struct {
	Version uint8                   `yaml:"version"`
	Configs []TemplateConfigSummary `yaml:"configs"`
}

// TemplateConfigSummary summarizes one TemplateConfig.
type TemplateConfigSummary struct {
	Type      string               `yaml:"type"`
	Threshold uint8                `yaml:"threshold"`
	Parts     []TemplatePartSummary `yaml:"parts"`
}

// TemplatePartSummary summarizes one TemplatePart.
type TemplatePartSummary struct {
	GUID        string `yaml:"guid,omitempty"`
	Name        string `yaml:"name,omitempty"`
	Curve       string `yaml:"curve"`
	HasCardAuth bool   `yaml:"has_card_auth"`
}

// Describe renders t as a TemplateSummary for logging or test
// fixtures.
func (t *Template) Describe() TemplateSummary {
	summary := TemplateSummary{Version: t.Version}
	for _, cfg := range t.Configs {
		cs := TemplateConfigSummary{Type: cfg.Type.String(), Threshold: cfg.Threshold}
		for _, p := range cfg.Parts {
			ps := TemplatePartSummary{
				Name:        p.Name,
				Curve:       p.RecipientPubkey.Curve().String(),
				HasCardAuth: !p.CardAuthPubkey.IsZero(),
			}
			if !p.GUID.IsZero() {
				ps.GUID = p.GUID.String()
			}
			cs.Parts = append(cs.Parts, ps)
		}
		summary.Configs = append(summary.Configs, cs)
	}
	return summary
}

// DescribeYAML renders t.Describe() as YAML, for diagnostic logging and
// test fixtures. It is not a configuration format: ParseTemplate never
// reads this output back.
func (t *Template) DescribeYAML() ([]byte, error) {
	return yaml.Marshal(t.Describe())
}
