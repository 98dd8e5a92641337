package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

// seedNamespace derives stable ids so the seeder can be re-run safely.
var seedNamespace = uuid.MustParse("6b0f5e8e-3c1a-4e57-9a53-2f3d8c1e7a10")

func seedID(name string) uuid.UUID {
	return uuid.NewSHA1(seedNamespace, []byte(name))
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping DB: %v", err)
	}

	seedSupplies(db)
	seedNeeds(db)
	seedOrders(db, time.Now())

	log.Println("Seeding completed successfully!")
}

func seedSupplies(db *sql.DB) {
	supplies := []struct {
		Name  string
		Stock int64
	}{
		{"Rice 5kg", 40},
		{"Canned Food Box", 25},
		{"Hygiene Kit", 60},
		{"Blanket", 15},
		{"Infant Formula", 10},
	}

	fmt.Println("Seeding Supplies...")
	for _, s := range supplies {
		_, err := db.Exec(`
			INSERT INTO supplies (id, name, stock)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, seedID("supply:"+s.Name), s.Name, s.Stock)
		if err != nil {
			log.Printf("Failed to seed supply %s: %v", s.Name, err)
		}
	}
}

func seedNeeds(db *sql.DB) {
	needs := []struct {
		Title     string
		Requested int64
	}{
		{"Flood relief: drinking water", 200},
		{"Winter shelter blankets", 80},
	}

	fmt.Println("Seeding Emergency Needs...")
	for _, n := range needs {
		_, err := db.Exec(`
			INSERT INTO emergency_needs (id, title, requested)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, seedID("need:"+n.Title), n.Title, n.Requested)
		if err != nil {
			log.Printf("Failed to seed need %s: %v", n.Title, err)
		}
	}
}

type seedLine struct {
	SupplyName string
	NeedTitle  string
	Qty        int64
	UnitPrice  int64
}

// seedOrders creates one pending order per kind so checkout and callbacks can
// be exercised locally. Trade numbers follow the DN<yyyymmddhhmmss><seq> layout.
func seedOrders(db *sql.DB, now time.Time) {
	orders := []struct {
		Name  string
		Kind  string
		Item  string
		Lines []seedLine
	}{
		{"regular", "regular", "Rice 5kg x2", []seedLine{{SupplyName: "Rice 5kg", Qty: 2, UnitPrice: 350}}},
		{"package", "package", "Family Package", []seedLine{
			{SupplyName: "Canned Food Box", Qty: 1, UnitPrice: 500},
			{SupplyName: "Hygiene Kit", Qty: 2, UnitPrice: 150},
		}},
		{"emergency", "emergency", "Flood relief donation", []seedLine{{NeedTitle: "Flood relief: drinking water", Qty: 20, UnitPrice: 50}}},
	}

	fmt.Println("Seeding Orders...")
	stamp := now.Format("20060102150405")
	for i, o := range orders {
		tradeNo := fmt.Sprintf("DN%s%03d", stamp, i+1)
		if err := seedOrder(db, seedID("order:"+o.Name), tradeNo, o.Kind, o.Item, o.Lines); err != nil {
			log.Printf("Failed to seed order %s: %v", o.Name, err)
		}
	}
}

func seedOrder(db *sql.DB, orderID uuid.UUID, tradeNo, kind, item string, lines []seedLine) error {
	var total int64
	for _, l := range lines {
		total += l.Qty * l.UnitPrice
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT INTO orders (id, trade_no, origin_trade_no, total_amount, kind, need_id, item_name)
		VALUES ($1, $2, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, orderID, tradeNo, total, kind, needOf(lines), item)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	for _, l := range lines {
		var supplyID, needID any
		if l.SupplyName != "" {
			supplyID = seedID("supply:" + l.SupplyName)
		} else {
			needID = seedID("need:" + l.NeedTitle)
		}
		if _, err := tx.Exec(`
			INSERT INTO order_details (order_id, supply_id, need_id, qty, unit_price)
			VALUES ($1, $2, $3, $4, $5)
		`, orderID, supplyID, needID, l.Qty, l.UnitPrice); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("Order %s (%s) trade_no=%s total=%d", orderID, kind, tradeNo, total)
	return nil
}

func needOf(lines []seedLine) any {
	for _, l := range lines {
		if l.NeedTitle != "" {
			return seedID("need:" + l.NeedTitle)
		}
	}
	return nil
}
