package warmup

// ScheduleDays is the length of the warmup ramp.
const ScheduleDays = 70

// TargetDailyQuota is the volume an IP graduates at.
const TargetDailyQuota = 20000

// dailyQuotas is the 10-week ramp. Strictly increasing, 5 on day 1 up to
// 20000 on day 70, with end-of-week caps of
// 20/50/110/250/550/1200/2600/5500/10000/20000.
var dailyQuotas = [ScheduleDays]int{
	5, 7, 10, 12, 15, 18, 20,
	25, 28, 32, 36, 40, 45, 50,
	55, 65, 75, 85, 95, 100, 110,
	125, 140, 160, 180, 200, 225, 250,
	280, 320, 360, 400, 450, 500, 550,
	600, 700, 800, 900, 1000, 1100, 1200,
	1400, 1600, 1800, 2000, 2200, 2400, 2600,
	2800, 3200, 3600, 4000, 4500, 5000, 5500,
	6000, 6500, 7000, 7500, 8000, 9000, 10000,
	11000, 12500, 14000, 15500, 17000, 18500, 20000,
}

// QuotaForDay returns the daily quota for a 1-based warmup day. Days before
// the ramp clamp to day 1, days past it to day 70.
func QuotaForDay(day int) int {
	if day < 1 {
		day = 1
	}
	if day > ScheduleDays {
		day = ScheduleDays
	}
	return dailyQuotas[day-1]
}
