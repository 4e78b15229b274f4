package ta

// Last 取序列倒数第 position 个值，position 为 0 表示最新值
func Last(s []float64, position int) float64 {
	return s[len(s)-1-position]
}

func Crossover(s1, s2 []float64) bool {
	return Last(s1, 0) > Last(s2, 0) && Last(s1, 1) <= Last(s2, 1)
}

func Crossunder(s1, s2 []float64) bool {
	return Last(s1, 0) <= Last(s2, 0) && Last(s1, 1) > Last(s2, 1)
}

func LastValues(s []float64, size int) []float64 {
	if l := len(s); l > size {
		return s[l-size:]
	}
	return s
}

// Lowest 计算最近 period 根K线中的最低价
func Lowest(low []float64, period int) float64 {
	arr := LastValues(low, period)
	minVal := arr[0]
	for _, value := range arr {
		if value < minVal {
			minVal = value
		}
	}
	return minVal
}

// Highest 计算最近 period 根K线中的最高价
func Highest(high []float64, period int) float64 {
	arr := LastValues(high, period)
	maxVal := arr[0]
	for _, value := range arr {
		if value > maxVal {
			maxVal = value
		}
	}
	return maxVal
}

// Returns 计算相邻收盘价之间的简单收益率序列
func Returns(close []float64) []float64 {
	if len(close) < 2 {
		return nil
	}
	out := make([]float64, 0, len(close)-1)
	for i := 1; i < len(close); i++ {
		if close[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (close[i]-close[i-1])/close[i-1])
	}
	return out
}
