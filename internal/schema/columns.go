// Package schema normalizes dataset columns, parses typed cells and decides
// which rules a dataset can support.
package schema

import (
	"strings"

	"github.com/opensource-finance/finflag/internal/domain"
)

// Canonical column names understood by the rule catalogue.
const (
	ColPrice                     = "price"
	ColSubtotal                  = "subtotal"
	ColDiscount                  = "discount"
	ColFinalTotal                = "final_total"
	ColTax                       = "tax"
	ColServiceChargeAmount       = "service_charge_amount"
	ColCGSTAmount                = "cgst_amount"
	ColSGSTAmount                = "sgst_amount"
	ColVATAmount                 = "vat_amount"
	ColStatus                    = "status"
	ColOrderType                 = "order_type"
	ColAddress                   = "address"
	ColDiscountAuthorizationCode = "discount_authorization_code"
	ColDiscountReason            = "discount_reason"
	ColPriceVariation            = "price_variation"
	ColFirstPrintTime            = "first_print_time"
	ColLastSettlementTime        = "last_settlement_time"
)

// Kind is how a canonical column is parsed.
type Kind int

const (
	KindText Kind = iota
	KindNumber
	KindTime
)

var kinds = map[string]Kind{
	ColPrice:               KindNumber,
	ColSubtotal:            KindNumber,
	ColDiscount:            KindNumber,
	ColFinalTotal:          KindNumber,
	ColTax:                 KindNumber,
	ColServiceChargeAmount: KindNumber,
	ColCGSTAmount:          KindNumber,
	ColSGSTAmount:          KindNumber,
	ColVATAmount:           KindNumber,
	ColPriceVariation:      KindNumber,
	ColFirstPrintTime:      KindTime,
	ColLastSettlementTime:  KindTime,
}

// KindOf returns the parse kind of a column. Unknown columns are text.
func KindOf(column string) Kind {
	return kinds[column]
}

// Canonical returns all canonical column names in a stable order.
func Canonical() []string {
	return []string{
		ColPrice, ColSubtotal, ColDiscount, ColFinalTotal, ColTax,
		ColServiceChargeAmount, ColCGSTAmount, ColSGSTAmount, ColVATAmount,
		ColStatus, ColOrderType, ColAddress,
		ColDiscountAuthorizationCode, ColDiscountReason, ColPriceVariation,
		ColFirstPrintTime, ColLastSettlementTime,
	}
}

// Mapping renames source headers to canonical column names.
type Mapping map[string]string

// Normalize returns a copy of ds with headers renamed through the mapping.
// Headers are matched after trimming. A rename is skipped when the target
// name is already taken so no cell is ever overwritten.
func (m Mapping) Normalize(ds *domain.Dataset) *domain.Dataset {
	rename := make(map[string]string, len(ds.Columns))
	taken := make(map[string]bool, len(ds.Columns))
	for _, c := range ds.Columns {
		taken[c] = true
	}

	columns := make([]string, 0, len(ds.Columns))
	for _, c := range ds.Columns {
		target, ok := m[strings.TrimSpace(c)]
		if !ok || target == c || taken[target] {
			columns = append(columns, c)
			continue
		}
		rename[c] = target
		taken[target] = true
		columns = append(columns, target)
	}

	records := make([]domain.Record, len(ds.Records))
	for i, r := range ds.Records {
		out := make(domain.Record, len(r))
		for k, v := range r {
			if to, ok := rename[k]; ok {
				out[to] = v
				continue
			}
			out[k] = v
		}
		records[i] = out
	}

	return &domain.Dataset{Name: ds.Name, Columns: columns, Records: records}
}
