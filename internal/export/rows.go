package export

import (
	"strconv"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

var summaryHeaders = []string{
	"Document ID",
	"Invoice Number",
	"Name",
	"Vendor",
	"Email",
	"Phone",
	"Date",
	"Currency",
	"Subtotal",
	"Tax",
	"Total",
	"Line Items",
}

// numericSummaryColumns are written as numbers where the sink supports it
var numericSummaryColumns = map[int]bool{8: true, 9: true, 10: true, 11: true}

var lineItemHeaders = []string{
	"Document ID",
	"Invoice Number",
	"Description",
	"Quantity",
	"Unit Price",
	"Amount",
}

var numericLineItemColumns = map[int]bool{3: true, 4: true, 5: true}

func amount(s string) string {
	if s == "" {
		return ""
	}
	return invoice.NormalizeAmount(s)
}

// summaryRow renders one record with normalized dates, names and amounts
func summaryRow(rec *invoice.ValidatedRecord, locale invoice.DateLocale) []string {
	r := rec.Record
	date := r.Value(invoice.FieldDate)
	if date != "" {
		date = invoice.NormalizeDate(date, locale)
	}
	return []string{
		rec.ID,
		r.Value(invoice.FieldInvoiceNumber),
		invoice.NormalizeText(r.Value(invoice.FieldName)),
		invoice.NormalizeText(r.Value(invoice.FieldVendor)),
		r.Value(invoice.FieldEmail),
		r.Value(invoice.FieldPhone),
		date,
		r.Value(invoice.FieldCurrency),
		amount(r.Value(invoice.FieldSubtotal)),
		amount(r.Value(invoice.FieldTax)),
		amount(r.Value(invoice.FieldTotal)),
		strconv.Itoa(len(r.LineItems())),
	}
}

func lineItemRows(rec *invoice.ValidatedRecord) [][]string {
	items := rec.Record.LineItems()
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			rec.ID,
			rec.Record.Value(invoice.FieldInvoiceNumber),
			item.Description,
			item.Quantity.String(),
			item.UnitPrice.StringFixed(2),
			item.Amount.StringFixed(2),
		})
	}
	return rows
}
