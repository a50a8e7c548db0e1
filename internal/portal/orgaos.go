package portal

import (
	"strings"
)

// Orgao はポータルのドロップダウンに表示される機関です。
type Orgao struct {
	Number string `json:"numero"`
	Name   string `json:"nome"`
}

// Label はドロップダウン表記（"20 - SEFAZ"）を返します。
func (o Orgao) Label() string {
	return o.Number + " - " + o.Name
}

// MatchKind は機関の特定方法です。
type MatchKind string

const (
	MatchByNumber  MatchKind = "numero"
	MatchByName    MatchKind = "nome"
	MatchByPartial MatchKind = "similaridade"
)

// DefaultOrgaos は照会対象ポータルで選択できる機関の一覧です。
var DefaultOrgaos = []Orgao{
	{Number: "53", Name: "HCRP"},
	{Number: "44", Name: "AGEM"},
	{Number: "82", Name: "AGEMCAMP"},
	{Number: "99", Name: "ARSESP"},
	{Number: "24", Name: "ARTESP"},
	{Number: "48", Name: "CBPM"},
	{Number: "92", Name: "Centro Paula Souza"},
	{Number: "29", Name: "DAEE"},
	{Number: "7", Name: "DER"},
	{Number: "9", Name: "DETRAN"},
	{Number: "90", Name: "HCFAMEMA"},
	{Number: "31", Name: "HCFMB"},
	{Number: "19", Name: "HCFMUSP"},
	{Number: "56", Name: "IAMSPE"},
	{Number: "58", Name: "IMESC"},
	{Number: "23", Name: "JUCESP"},
	{Number: "18004", Name: "PMESP"},
	{Number: "20", Name: "SEFAZ"},
	{Number: "25", Name: "SES/SP"},
	{Number: "20065", Name: "SPPREV"},
}

// Catalog は機関一覧から入力値に合う機関を探します。
type Catalog struct {
	orgaos []Orgao
}

// NewCatalog は Catalog を作成します。orgaos が空なら DefaultOrgaos を使います。
func NewCatalog(orgaos []Orgao) *Catalog {
	if len(orgaos) == 0 {
		orgaos = DefaultOrgaos
	}
	return &Catalog{orgaos: orgaos}
}

// Resolve は番号の完全一致、名前の完全一致（大文字小文字無視）、部分一致の順で探します。
func (c *Catalog) Resolve(target string) (Orgao, MatchKind, bool) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Orgao{}, "", false
	}
	for _, o := range c.orgaos {
		if o.Number == target {
			return o, MatchByNumber, true
		}
	}
	lower := strings.ToLower(target)
	for _, o := range c.orgaos {
		if strings.ToLower(strings.TrimSpace(o.Name)) == lower {
			return o, MatchByName, true
		}
	}
	for _, o := range c.orgaos {
		name := strings.ToLower(o.Name)
		if strings.Contains(name, lower) || strings.Contains(lower, name) {
			return o, MatchByPartial, true
		}
	}
	return Orgao{}, "", false
}

// Labels は一覧をログ表示用に連結します。
func (c *Catalog) Labels() string {
	labels := make([]string, len(c.orgaos))
	for i, o := range c.orgaos {
		labels[i] = o.Label()
	}
	return strings.Join(labels, ", ")
}
