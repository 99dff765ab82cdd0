package llm

const OrderExtractionPrompt = `You extract purchase orders from customer emails and their attached documents.

The input contains labeled segments, one per email or attachment. Combine all of them into a single order.
When segments disagree, prefer the attachment over the email body and the most specific value over a vague one.

Return ONLY a JSON object with this shape:
{
  "order_number": "customer PO or order reference, or null",
  "order_date": "YYYY-MM-DD or null",
  "customer": {"name": "", "email": "", "phone": ""},
  "ship_to": {"name": "", "address": "", "city": "", "state": "", "postal_code": "", "country": ""},
  "requested_delivery_date": "YYYY-MM-DD or null",
  "line_items": [
    {"sku": "", "description": "", "quantity": 0, "unit": "", "unit_price": 0, "total": 0}
  ],
  "currency": "ISO 4217 code or null",
  "total_amount": 0,
  "notes": "special instructions, or null"
}

Use null for anything not present. Do not invent values.`

const ChangeAnalysisPrompt = `You compare two versions of the same purchase order and classify every difference.

Categories:
- critical: changes to quantities, prices, totals, SKUs, delivery dates or ship-to address
- minor: formatting, contact details, wording of descriptions or notes
- new_information: values present in the new order and absent from the previous one
- conflicts: values that contradict each other within the new order or cannot both be true

When there is no previous version, report every populated field as new_information.

Return ONLY a JSON object:
{
  "critical": [{"field": "", "previous": "", "current": "", "note": ""}],
  "minor": [],
  "new_information": [],
  "conflicts": [],
  "summary": "one or two sentences"
}`

const EmailSummaryPrompt = `You summarize customer emails for an order desk.
Write two or three sentences covering who is ordering, what they want, and any dates or constraints.
Mention how many attachments the sender refers to, if any. Plain text only.`
