package payment

import (
	"errors"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
	"unicode/utf8"

	"github.com/noah-isme/donasi-payments/internal/checksum"
	"github.com/noah-isme/donasi-payments/internal/store"
)

const (
	// DefaultActionURL is the staging AIO checkout endpoint.
	DefaultActionURL = "https://payment-stage.ecpay.com.tw/Cashier/AioCheckOut/V5"
	// DefaultTimezone is the gateway's local time zone for MerchantTradeDate.
	DefaultTimezone = "Asia/Taipei"

	tradeDateLayout = "2006/01/02 15:04:05"
	maxItemNameLen  = 200
	maxTradeDescLen = 200
)

// ECPay implements Gateway for the AIO checkout flow.
type ECPay struct {
	MerchantID string
	ActionURL  string
	TradeDesc  string
	Location   *time.Location
	Checksum   *checksum.Engine
}

// NewECPay builds the adapter. An empty timezone selects DefaultTimezone.
func NewECPay(merchantID, hashKey, hashIV, actionURL, tradeDesc, timezone string) (*ECPay, error) {
	if strings.TrimSpace(merchantID) == "" {
		return nil, errors.New("ecpay: merchant id is required")
	}
	engine, err := checksum.New(hashKey, hashIV)
	if err != nil {
		return nil, err
	}
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	if actionURL == "" {
		actionURL = DefaultActionURL
	}
	if tradeDesc == "" {
		tradeDesc = "donation"
	}
	return &ECPay{MerchantID: merchantID, ActionURL: actionURL, TradeDesc: tradeDesc, Location: loc, Checksum: engine}, nil
}

// BuildCheckout returns the signed AIO form. The signature field is last.
func (e *ECPay) BuildCheckout(req CheckoutRequest) (CheckoutForm, error) {
	if e == nil || e.Checksum == nil {
		return CheckoutForm{}, errors.New("ecpay: adapter not configured")
	}
	if req.Amount <= 0 {
		return CheckoutForm{}, validationError("total amount must be positive")
	}
	tradeNo := strings.TrimSpace(req.TradeNo)
	if tradeNo == "" {
		return CheckoutForm{}, validationError("trade number is required")
	}
	if len(tradeNo) > store.MaxTradeNoLen {
		return CheckoutForm{}, validationError("trade number exceeds 20 characters")
	}
	if strings.TrimSpace(req.URLs.ReturnURL) == "" {
		return CheckoutForm{}, validationError("return url is required")
	}
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}
	loc := e.Location
	if loc == nil {
		loc = time.UTC
	}
	itemName := strings.TrimSpace(req.ItemName)
	if itemName == "" {
		itemName = "Donation"
	}

	fields := []FormField{
		{Name: "MerchantID", Value: e.MerchantID},
		{Name: "MerchantTradeNo", Value: tradeNo},
		{Name: "MerchantTradeDate", Value: at.In(loc).Format(tradeDateLayout)},
		{Name: "PaymentType", Value: "aio"},
		{Name: "TotalAmount", Value: strconv.FormatInt(req.Amount, 10)},
		{Name: "TradeDesc", Value: truncate(e.TradeDesc, maxTradeDescLen)},
		{Name: "ItemName", Value: truncate(itemName, maxItemNameLen)},
		{Name: "ReturnURL", Value: req.URLs.ReturnURL},
		{Name: "ClientBackURL", Value: req.URLs.ClientBackURL},
		{Name: "ChoosePayment", Value: "ALL"},
		{Name: "EncryptType", Value: "1"},
	}
	// empty optional fields are neither signed nor posted
	kept := fields[:0]
	for _, f := range fields {
		if f.Value != "" {
			kept = append(kept, f)
		}
	}
	form := CheckoutForm{Action: e.ActionURL, Fields: kept}
	form.Fields = append(form.Fields, FormField{Name: checksum.Field, Value: e.Checksum.Sign(form.Values())})
	return form, nil
}

// VerifyCallback checks the callback signature and extracts the outcome.
func (e *ECPay) VerifyCallback(params map[string]string) (CallbackResult, error) {
	if e == nil || e.Checksum == nil {
		return CallbackResult{}, errors.New("ecpay: adapter not configured")
	}
	tradeNo := params["MerchantTradeNo"]
	if strings.TrimSpace(tradeNo) == "" {
		return CallbackResult{}, validationError("MerchantTradeNo is required")
	}
	if params[checksum.Field] == "" {
		return CallbackResult{}, validationError("CheckMacValue is required")
	}
	if !e.Checksum.Verify(params) {
		return CallbackResult{}, signatureError()
	}
	res := CallbackResult{
		MerchantTradeNo: tradeNo,
		GatewayTradeNo:  params["TradeNo"],
		RtnCode:         params["RtnCode"],
		RtnMsg:          params["RtnMsg"],
		PaymentDate:     params["PaymentDate"],
		Params:          params,
	}
	if raw := strings.TrimSpace(params["TradeAmt"]); raw != "" {
		amt, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return CallbackResult{}, validationError("TradeAmt is not an integer")
		}
		res.TradeAmt = amt
		res.HasAmount = true
	}
	return res, nil
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
