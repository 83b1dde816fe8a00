package measurement

import (
	"fmt"

	"carbonbot/internal/domain"
)

// Announcement is the broadcast text for a freshly persisted record.
func Announcement(rec domain.Record) string {
	return fmt.Sprintf("📡 Automatic carbon data upload:\n🏭 %s\n🌿 %s kg CO₂e\n🕒 %s",
		rec.Plant, rec.FormattedCO2e(), rec.FormattedTime())
}

// LatestText renders the reply to a latest-data query.
func LatestText(rec domain.Record) string {
	return fmt.Sprintf("📊 Latest carbon data:\n🏭 Plant: %s\n🌿 CO₂e: %s kg\n🕒 Time: %s",
		rec.Plant, rec.FormattedCO2e(), rec.FormattedTime())
}

const NoDataText = "⚠️ No carbon data yet."
