package payment

import "time"

// CallbackURLs are the merchant endpoints handed to the gateway at checkout.
type CallbackURLs struct {
	// ReturnURL receives the server-to-server callback.
	ReturnURL string `json:"returnUrl" validate:"omitempty,url"`
	// ClientBackURL is where the donor's browser is sent afterwards.
	ClientBackURL string `json:"clientBackUrl" validate:"omitempty,url"`
}

func (u CallbackURLs) withDefaults(def CallbackURLs) CallbackURLs {
	if u.ReturnURL == "" {
		u.ReturnURL = def.ReturnURL
	}
	if u.ClientBackURL == "" {
		u.ClientBackURL = def.ClientBackURL
	}
	return u
}

// CheckoutRequest is the gateway-neutral input for building a signed form.
type CheckoutRequest struct {
	TradeNo  string
	Amount   int64
	ItemName string
	At       time.Time
	URLs     CallbackURLs
}

// FormField is one hidden input of the auto-submitting checkout form.
type FormField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CheckoutForm is posted by the donor's browser to Action.
type CheckoutForm struct {
	Action string      `json:"action"`
	Fields []FormField `json:"fields"`
}

// Values returns the form as a flat map.
func (f CheckoutForm) Values() map[string]string {
	out := make(map[string]string, len(f.Fields))
	for _, field := range f.Fields {
		out[field.Name] = field.Value
	}
	return out
}

// Value returns a single field.
func (f CheckoutForm) Value(name string) string {
	for _, field := range f.Fields {
		if field.Name == name {
			return field.Value
		}
	}
	return ""
}

// CallbackResult is a verified gateway notification.
type CallbackResult struct {
	MerchantTradeNo string
	GatewayTradeNo  string
	RtnCode         string
	RtnMsg          string
	TradeAmt        int64
	HasAmount       bool
	PaymentDate     string
	Params          map[string]string
}

// Succeeded reports whether the gateway reports the payment as captured.
func (r CallbackResult) Succeeded() bool { return r.RtnCode == "1" }

// Gateway abstracts the operations required from the upstream payment aggregator.
type Gateway interface {
	BuildCheckout(req CheckoutRequest) (CheckoutForm, error)
	VerifyCallback(params map[string]string) (CallbackResult, error)
}
