package indexer

import (
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"tokensale/crypto"
	"tokensale/native/crowdsale"
)

type parquetRow struct {
	Seq         int64  `parquet:"name=seq, type=INT64"`
	Receipt     string `parquet:"name=receipt, type=BYTE_ARRAY, convertedtype=UTF8"`
	Purchaser   string `parquet:"name=purchaser, type=BYTE_ARRAY, convertedtype=UTF8"`
	Beneficiary string `parquet:"name=beneficiary, type=BYTE_ARRAY, convertedtype=UTF8"`
	ValueWei    string `parquet:"name=value_wei, type=BYTE_ARRAY, convertedtype=UTF8"`
	Tokens      string `parquet:"name=tokens, type=BYTE_ARRAY, convertedtype=UTF8"`
	Rate        string `parquet:"name=rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	Position    int64  `parquet:"name=position, type=INT64"`
}

// WriteParquet writes purchases to path, one row per purchase in the given
// order. The file is replaced if it exists.
func WriteParquet(path string, purchases []*crowdsale.Purchase) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("indexer: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("indexer: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, p := range purchases {
		if p == nil {
			continue
		}
		row := &parquetRow{
			Seq:         int64(p.Seq),
			Receipt:     p.Receipt,
			Purchaser:   crypto.FormatAddress(p.Purchaser),
			Beneficiary: crypto.FormatAddress(p.Beneficiary),
			ValueWei:    p.Value.String(),
			Tokens:      p.Amount.String(),
			Rate:        p.Rate.String(),
			Position:    int64(p.Position),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("indexer: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("indexer: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("indexer: close parquet file: %w", err)
	}
	return nil
}
