package main

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureRingEviction(t *testing.T) {
	c := NewMessageCapture(5)

	for i := 1; i <= 8; i++ {
		c.Append(MessageRecord{Summary: fmt.Sprintf("msg-%d", i)})
	}

	assert.Equal(t, 5, c.Len(), "寫滿後筆數應停在容量")
	assert.Equal(t, uint64(8), c.Total(), "歷來總數應含被淘汰的")

	got := c.Recent(0)
	require.Len(t, got, 5)
	for i, r := range got {
		assert.Equal(t, fmt.Sprintf("msg-%d", i+4), r.Summary, "應只留最後五筆且由舊到新")
	}
	assert.Equal(t, uint64(8), got[4].Seq, "最新一筆在最後")
}

func TestCaptureRecentLimit(t *testing.T) {
	c := NewMessageCapture(10)
	for i := 1; i <= 6; i++ {
		c.Append(MessageRecord{Summary: fmt.Sprintf("msg-%d", i)})
	}

	got := c.Recent(3)
	require.Len(t, got, 3)
	assert.Equal(t, "msg-4", got[0].Summary)
	assert.Equal(t, "msg-6", got[2].Summary, "最新在最後")

	got = c.Recent(100)
	assert.Len(t, got, 6, "limit 超過筆數時取全部")
}

func TestCaptureClearKeepsSeq(t *testing.T) {
	c := NewMessageCapture(5)
	c.Append(MessageRecord{})
	c.Append(MessageRecord{})

	c.Clear()
	assert.Equal(t, 0, c.Len(), "清除後應為空")
	assert.Empty(t, c.Recent(0))

	r := c.Append(MessageRecord{})
	assert.Equal(t, uint64(3), r.Seq, "序號跨清除單調遞增")
}

func TestCaptureConcurrentAppend(t *testing.T) {
	c := NewMessageCapture(100)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				c.Append(MessageRecord{})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(500), c.Total(), "併發寫入不應遺漏")
	assert.Equal(t, 100, c.Len())

	got := c.Recent(0)
	require.Len(t, got, 100)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].Seq+1, got[i].Seq, "序號應連續遞增")
	}
}

func TestRenderRTUFrameCRC(t *testing.T) {
	// 經典範例: 讀從站 1 位址 0 起 2 個保持暫存器，CRC 為 C4 0B (低位在前)
	pdu := ReadRequestPDU(FuncCodeReadHoldingRegisters, 0, 2)
	frame := RenderRTUFrame(1, pdu)

	assert.Equal(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02, 0xC4, 0x0B}, frame)
}

func TestRenderTCPFrameMBAP(t *testing.T) {
	pdu := ReadRequestPDU(FuncCodeReadHoldingRegisters, 0, 2)
	frame := RenderTCPFrame(1, 1, pdu)

	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x02}, frame)

	r := MessageRecord{Frame: frame}
	assert.Equal(t, "00 01 00 00 00 06 01 03 00 00 00 02", r.Hex(), "傾印應為大寫十六進位空白分隔")
}

func TestWriteRequestPDU(t *testing.T) {
	tests := []struct {
		name     string
		funcCode uint8
		addr     uint16
		words    []uint16
		want     []byte
	}{
		{
			name:     "寫單一線圈 ON 用 FF00",
			funcCode: FuncCodeWriteSingleCoil,
			addr:     0x0013,
			words:    []uint16{1},
			want:     []byte{0x05, 0x00, 0x13, 0xFF, 0x00},
		},
		{
			name:     "寫單一線圈 OFF 用 0000",
			funcCode: FuncCodeWriteSingleCoil,
			addr:     0x0013,
			words:    []uint16{0},
			want:     []byte{0x05, 0x00, 0x13, 0x00, 0x00},
		},
		{
			name:     "寫單一暫存器",
			funcCode: FuncCodeWriteSingleRegister,
			addr:     0x0001,
			words:    []uint16{0x0003},
			want:     []byte{0x06, 0x00, 0x01, 0x00, 0x03},
		},
		{
			name:     "寫多重暫存器",
			funcCode: FuncCodeWriteMultipleRegisters,
			addr:     0x0001,
			words:    []uint16{0x000A, 0x0102},
			want:     []byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02},
		},
		{
			name:     "寫多重線圈位元打包",
			funcCode: FuncCodeWriteMultipleCoils,
			addr:     0x0013,
			words:    []uint16{1, 0, 1, 1, 0, 0, 1, 1, 1, 0},
			want:     []byte{0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WriteRequestPDU(tt.funcCode, tt.addr, tt.words)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSummarizeRequest(t *testing.T) {
	s := SummarizeRequest(1, FuncCodeReadHoldingRegisters, 0, 2)
	assert.Equal(t, "讀保持暫存器 slave=1 addr=0x0000 count=2", s)
}

func BenchmarkCaptureAppend(b *testing.B) {
	c := NewMessageCapture(1000)
	r := MessageRecord{Summary: "讀保持暫存器 slave=1 addr=0x0000 count=2"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Append(r)
	}
}
